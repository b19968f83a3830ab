package model

import "time"

// Peer is one row of the peers table (§4.5): a single-leader election record
// scoped to an instance name.
type Peer struct {
	Name      string    `gorm:"column:name;type:varchar(128);primaryKey" json:"name"`
	Node      string    `gorm:"column:node;type:varchar(128);not null" json:"node"`
	StartedAt time.Time `gorm:"column:started_at;not null" json:"started_at"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index" json:"expires_at"`
}

func (Peer) TableName() string { return "peers" }

// Leading reports whether this row currently designates a live leader.
func (p *Peer) Leading(now time.Time) bool {
	return p != nil && p.ExpiresAt.After(now)
}
