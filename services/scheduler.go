// services/scheduler.go
package services

import (
	"log"
	"time"

	"challenge-pledge-system/models"

	"github.com/go-co-op/gocron/v2"
)

// StartExpirySweep runs the periodic sweep that closes out active challenges
// whose end date has passed without a declared outcome.
func (s *ChallengeService) StartExpirySweep() {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	_, _ = sched.NewJob(
		gocron.DurationJob(10*time.Minute),
		gocron.NewTask(func() {
			if err := s.ExpireOverdueChallenges(); err != nil {
				log.Printf("[ExpirySweep] DB error: %v", err)
			}
		}),
	)
}

// ExpireOverdueChallenges marks active challenges past their end date as
// expired. Conditioned on status=active, so it never races a concurrent
// declare-outcome into a double transition.
func (s *ChallengeService) ExpireOverdueChallenges() error {
	res := s.DB.Model(&models.Challenge{}).
		Where("status = ? AND end_date < ?", models.ChallengeStatusActive, time.Now()).
		Update("status", models.ChallengeStatusExpired)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		log.Printf("✅ Expired %d overdue challenge(s)", res.RowsAffected)
	}
	return nil
}
