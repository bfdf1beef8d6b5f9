package model

import "time"

// Session is a leasing context representing one worker-pool instance at a
// site. Jobs acquired by a session stay exclusively owned by it until the
// session releases them or its heartbeat expires and the reaper reclaims
// them.
type Session struct {
	ID         string    `json:"id"`
	SiteID     string    `json:"site_id"`
	BatchJobID string    `json:"batch_job_id,omitempty"`
	Heartbeat  time.Time `json:"heartbeat"`
	CreatedAt  time.Time `json:"created_at"`
}

// Expired returns true if the session's heartbeat is older than timeout at
// the given instant.
func (s *Session) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.Heartbeat) > timeout
}
