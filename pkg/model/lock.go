package model

import "time"

// LockRecord is stored at <lock dir>/<vg>-<lv>.lock while a run holds the
// origin volume.
type LockRecord struct {
	Volume       string    `json:"volume"`
	HolderNonce  string    `json:"holder_nonce"`
	RunID        string    `json:"run_id"`
	PID          int       `json:"pid"`
	Hostname     string    `json:"hostname,omitempty"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	FencingToken int64     `json:"fencing_token"`
	Purpose      string    `json:"purpose,omitempty"`
}

// IsExpired returns true if the lock has expired.
func (l *LockRecord) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// LockPolicy configures lock timing parameters.
type LockPolicy struct {
	DefaultLeaseTTL time.Duration `json:"default_lease_ttl"`
}
