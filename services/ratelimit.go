// services/ratelimit.go
package services

import (
	"time"

	"challenge-pledge-system/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RateLimiter is a fixed-window counter backed by the datastore. An
// in-process map would silently stop limiting as soon as a second instance is
// deployed; the shared table keeps the count correct across all of them.
type RateLimiter struct {
	DB     *gorm.DB
	Max    int
	Window time.Duration
}

// Allow records one request under key and reports whether it fits in the
// current window.
func (r *RateLimiter) Allow(key string) (bool, error) {
	now := time.Now().UTC()
	allowed := true

	err := r.DB.Transaction(func(tx *gorm.DB) error {
		var ctr models.RateLimitCounter
		err := tx.Where("key = ?", key).First(&ctr).Error
		if err == gorm.ErrRecordNotFound {
			ctr = models.RateLimitCounter{Key: key, WindowStart: now, Count: 1}
			// Concurrent first requests race on the insert; losing simply
			// increments the winner's row.
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoUpdates: clause.Assignments(map[string]interface{}{"count": gorm.Expr("count + 1")}),
			}).Create(&ctr).Error
		}
		if err != nil {
			return err
		}

		if now.Sub(ctr.WindowStart) >= r.Window {
			return tx.Model(&models.RateLimitCounter{}).Where("key = ?", key).
				Updates(map[string]interface{}{"window_start": now, "count": 1}).Error
		}

		if ctr.Count >= r.Max {
			allowed = false
			return nil
		}
		return tx.Model(&models.RateLimitCounter{}).Where("key = ?", key).
			Update("count", gorm.Expr("count + 1")).Error
	})

	return allowed, err
}
