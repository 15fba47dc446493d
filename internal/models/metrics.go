package models

import "time"

// HealthConfig selects the runtime collectors included in each health report.
type HealthConfig struct {
	MonitorMemory     bool `yaml:"monitor_memory"`
	MonitorGoroutines bool `yaml:"monitor_goroutines"`
	MonitorProcess    bool `yaml:"monitor_process"`
}

// HealthReport is one periodic connection-health snapshot of the agent.
type HealthReport struct {
	Timestamp        time.Time         `json:"timestamp"`
	DriverID         string            `json:"driver_id"`
	SessionID        string            `json:"session_id"`
	ConnectionState  string            `json:"connection_state"`
	Registered       bool              `json:"registered"`
	Tracking         bool              `json:"tracking"`
	Permission       string            `json:"permission"`
	TransmittedCount uint64            `json:"transmitted_count"`
	Duplicates       uint64            `json:"duplicates"`
	Dropped          uint64            `json:"dropped"`
	LastUpdate       *time.Time        `json:"last_update,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
	Metrics          map[string]Metric `json:"metrics,omitempty"`
	Process          *ProcessMetrics   `json:"process,omitempty"`
}

// Metric is a single runtime metric value.
type Metric struct {
	Value any    `json:"value"`
	Unit  string `json:"unit"`
}

// ProcessMetrics contains resource usage of the agent process.
type ProcessMetrics struct {
	CPUUsage *float64 `json:"cpu_usage,omitempty"`
	Memory   *float64 `json:"memory,omitempty"`
}
