package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

func (c *Client) List(ctx context.Context) ([]Sandbox, error) {
	var resp struct {
		Items []Sandbox `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, []string{"labs"}, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) Get(ctx context.Context, name string) (*Sandbox, error) {
	var sb Sandbox
	if err := c.do(ctx, http.MethodGet, []string{"lab", name}, nil, nil, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// Create creates a sandbox. An empty network uses the server's default
// mode.
func (c *Client) Create(ctx context.Context, name, network string) (*Sandbox, error) {
	var sb Sandbox
	if err := c.do(ctx, http.MethodPost, []string{"lab", "create"}, nil, &createRequest{Name: name, Network: network}, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

func (c *Client) Start(ctx context.Context, name string) (*Sandbox, error) {
	return c.boot(ctx, name, "start")
}

func (c *Client) Restart(ctx context.Context, name string) (*Sandbox, error) {
	return c.boot(ctx, name, "restart")
}

func (c *Client) boot(ctx context.Context, name, action string) (*Sandbox, error) {
	var sb Sandbox
	if err := c.do(ctx, http.MethodPost, []string{"lab", name, action}, nil, nil, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

func (c *Client) Stop(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, []string{"lab", name, "stop"}, nil, nil, nil)
}

func (c *Client) Remove(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, []string{"lab", name, "remove"}, nil, nil, nil)
}

func (c *Client) SetNetwork(ctx context.Context, name, mode string) (*ApplyResult, error) {
	var res ApplyResult
	if err := c.do(ctx, http.MethodPost, []string{"lab", name, "net"}, nil, &setNetworkRequest{Mode: mode}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Nuke(ctx context.Context, purgeHistory bool) (*NukeReport, error) {
	var report NukeReport
	if err := c.do(ctx, http.MethodPost, []string{"lab", "nuke"}, nil, &nukeRequest{PurgeHistory: purgeHistory}, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *Client) Host(ctx context.Context) (*HostStats, error) {
	var stats HostStats
	if err := c.do(ctx, http.MethodGet, []string{"host"}, nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// History lists events newest first. An empty name lists every sandbox.
func (c *Client) History(ctx context.Context, name string, limit int) ([]Event, error) {
	segments := []string{"history"}
	if name != "" {
		segments = []string{"lab", name, "history"}
	}
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, segments, query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) Reconcile(ctx context.Context, fix bool) (*ReconcileReport, error) {
	query := url.Values{"fix": []string{strconv.FormatBool(fix)}}
	var report ReconcileReport
	if err := c.do(ctx, http.MethodPost, []string{"reconcile"}, query, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}
