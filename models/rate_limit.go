package models

import (
	"time"
)

// RateLimitCounter is a fixed-window request counter kept in the datastore so
// the limit holds across concurrent service instances, unlike a process-local
// map.
type RateLimitCounter struct {
	Key         string    `gorm:"primaryKey;size:128" json:"key"`
	WindowStart time.Time `gorm:"not null" json:"window_start"`
	Count       int       `gorm:"not null;default:0" json:"count"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
