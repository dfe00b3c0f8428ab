package model

import "time"

type SandboxStatus string

const (
	SandboxStatusRunning SandboxStatus = "running"
	SandboxStatusStopped SandboxStatus = "stopped"
	SandboxStatusUnknown SandboxStatus = "unknown"
)

// ModeSource tells where a sandbox's effective mode came from.
type ModeSource string

const (
	ModeSourceRecord  ModeSource = "record"
	ModeSourceLabel   ModeSource = "label"
	ModeSourceDefault ModeSource = "default"
)

type Sandbox struct {
	Name        string            `json:"name" yaml:"name"`
	ContainerID string            `json:"container_id" yaml:"container_id"`
	Status      SandboxStatus     `json:"status" yaml:"status"`
	SSHPort     int               `json:"ssh_port" yaml:"ssh_port"`
	BindAddress string            `json:"bind_address" yaml:"bind_address"`
	Address     string            `json:"address,omitempty" yaml:"address,omitempty"`
	Mode        NetworkMode       `json:"network_mode" yaml:"network_mode"`
	ModeSource  ModeSource        `json:"mode_source" yaml:"mode_source"`
	Owner       string            `json:"owner,omitempty" yaml:"owner,omitempty"`
	CreatedAt   time.Time         `json:"created_at" yaml:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	// Policy is set by operations that (re)applied firewall rules.
	Policy *ApplyResult `json:"policy,omitempty" yaml:"policy,omitempty"`
}

// Uptime is zero for stopped sandboxes.
func (s Sandbox) Uptime(now time.Time) time.Duration {
	if s.Status != SandboxStatusRunning || s.StartedAt == nil {
		return 0
	}
	return now.Sub(*s.StartedAt)
}

type CreateSandboxRequest struct {
	Name    string `json:"name" binding:"required"`
	Network string `json:"network"`
}

type SetNetworkRequest struct {
	Mode string `json:"mode" binding:"required"`
}

type SandboxListResponse struct {
	Items []Sandbox `json:"items"`
}

// ApplyResult reports whether a mode transition is enforced by the host firewall.
type ApplyResult struct {
	Mode     NetworkMode `json:"mode" yaml:"mode"`
	Enforced bool        `json:"enforced" yaml:"enforced"`
	Rules    int         `json:"rules" yaml:"rules"`
	Warning  string      `json:"warning,omitempty" yaml:"warning,omitempty"`
}
