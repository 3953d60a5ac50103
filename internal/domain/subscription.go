package domain

import "time"

// Subscription is a platform-owned webhook subscription. The core never
// persists these; the remote list is the reconciliation target.
type Subscription struct {
	ID        string
	Type      string
	Status    string
	Condition map[string]string
	CreatedAt time.Time
}
