package client

import "time"

type Sandbox struct {
	Name        string            `json:"name" yaml:"name"`
	ContainerID string            `json:"container_id" yaml:"container_id"`
	Status      string            `json:"status" yaml:"status"`
	SSHPort     int               `json:"ssh_port" yaml:"ssh_port"`
	BindAddress string            `json:"bind_address" yaml:"bind_address"`
	Address     string            `json:"address,omitempty" yaml:"address,omitempty"`
	Mode        string            `json:"network_mode" yaml:"network_mode"`
	ModeSource  string            `json:"mode_source" yaml:"mode_source"`
	Owner       string            `json:"owner,omitempty" yaml:"owner,omitempty"`
	CreatedAt   time.Time         `json:"created_at" yaml:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Policy      *ApplyResult      `json:"policy,omitempty" yaml:"policy,omitempty"`
}

type ApplyResult struct {
	Mode     string `json:"mode" yaml:"mode"`
	Enforced bool   `json:"enforced" yaml:"enforced"`
	Rules    int    `json:"rules" yaml:"rules"`
	Warning  string `json:"warning,omitempty" yaml:"warning,omitempty"`
}

type HostStats struct {
	DiskTotalGB   float64    `json:"disk_total_gb" yaml:"disk_total_gb"`
	DiskUsedGB    float64    `json:"disk_used_gb" yaml:"disk_used_gb"`
	DiskPercent   float64    `json:"disk_percent" yaml:"disk_percent"`
	MemTotalGB    float64    `json:"mem_total_gb" yaml:"mem_total_gb"`
	MemUsedGB     float64    `json:"mem_used_gb" yaml:"mem_used_gb"`
	MemPercent    float64    `json:"mem_percent" yaml:"mem_percent"`
	Load          [3]float64 `json:"load" yaml:"load"`
	Sandboxes     int        `json:"sandboxes" yaml:"sandboxes"`
	RunningCount  int        `json:"running" yaml:"running"`
	DNSFilterLive bool       `json:"dns_filter_running" yaml:"dns_filter_running"`
}

type Event struct {
	ID        int64     `json:"id" yaml:"id"`
	Sandbox   string    `json:"sandbox" yaml:"sandbox"`
	Action    string    `json:"action" yaml:"action"`
	FromMode  string    `json:"from_mode,omitempty" yaml:"from_mode,omitempty"`
	ToMode    string    `json:"to_mode,omitempty" yaml:"to_mode,omitempty"`
	Enforced  bool      `json:"enforced" yaml:"enforced"`
	Detail    string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	OpID      string    `json:"op_id,omitempty" yaml:"op_id,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

type ReconcileItem struct {
	Sandbox   string `json:"sandbox" yaml:"sandbox"`
	DriftType string `json:"drift_type" yaml:"drift_type"`
	Action    string `json:"action" yaml:"action"`
	Detail    string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

type ReconcileReport struct {
	Items []ReconcileItem `json:"items" yaml:"items"`
	Fixed int             `json:"fixed" yaml:"fixed"`
}

type NukeReport struct {
	Sandboxes      []string `json:"sandboxes" yaml:"sandboxes"`
	RulesCleared   int      `json:"rules_cleared" yaml:"rules_cleared"`
	HistoryPurged  int64    `json:"history_purged" yaml:"history_purged"`
	RecordsRemoved bool     `json:"records_removed" yaml:"records_removed"`
}

type createRequest struct {
	Name    string `json:"name"`
	Network string `json:"network,omitempty"`
}

type setNetworkRequest struct {
	Mode string `json:"mode"`
}

type nukeRequest struct {
	PurgeHistory bool `json:"purge_history"`
}
