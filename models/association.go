// models/association.go
package models

import (
	"time"
)

// Association mirrors beneficiary data from the directory service.
// Table name: associations
type Association struct {
	ID           string    `gorm:"primaryKey" json:"id"` // External directory ID, primary lookup key
	Name         string    `gorm:"not null" json:"name"`
	Slug         string    `gorm:"index" json:"slug"`
	Category     string    `gorm:"type:varchar(64)" json:"category"`
	LogoURL      string    `gorm:"type:text" json:"logo_url"`
	IsActive     bool      `gorm:"not null;default:true" json:"is_active"`
	LastSyncedAt time.Time `gorm:"not null" json:"last_synced_at"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
