package models

import "time"

// User carries the identity fields the realtime layer needs for sender
// snapshots and mention resolution. Account management lives elsewhere.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	FirstName string    `gorm:"size:50;not null" json:"first_name"`
	LastName  string    `gorm:"size:50" json:"last_name"`
	Photo     string    `gorm:"size:255" json:"photo"`
	Role      string    `gorm:"size:16;default:member" json:"role"`
	IsActive  bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
