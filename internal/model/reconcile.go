package model

const (
	DriftOrphanRules  = "orphan_rules"
	DriftMissingRules = "missing_rules"
	DriftLegacyRules  = "legacy_rules"
)

// ReconcileItem is one divergence between declared modes and the chain.
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

// HostStats mirrors the dashboard host panel.
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
