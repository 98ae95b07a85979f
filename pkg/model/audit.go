package model

import "time"

// AuditRecord is a single line in the audit log (JSONL format).
type AuditRecord struct {
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"run_id"`
	Event      Event          `json:"event"`
	Volume     string         `json:"volume,omitempty"`
	Snapshot   string         `json:"snapshot,omitempty"`
	Mountpoint string         `json:"mountpoint,omitempty"`
	Error      string         `json:"error,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	PrevHash   HashValue      `json:"prev_hash"`
	RecordHash HashValue      `json:"record_hash"`
}
