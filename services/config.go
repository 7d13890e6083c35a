// services/config.go
package services

import (
	"log"
	"math"
	"os"
	"strconv"
)

// CommissionRate returns the configured platform commission as a fraction of
// the stake. Sourced from configuration only; defaults to 15%.
func CommissionRate() float64 {
	if v := os.Getenv("COMMISSION_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err == nil && rate >= 0 && rate < 1 {
			return rate
		}
		log.Printf("⚠️ Invalid COMMISSION_RATE %q — using default 0.15", v)
	}
	return 0.15
}

// CalculateCommission computes the platform fee for a stake, rounded to two
// decimals.
func CalculateCommission(amount int64) float64 {
	return math.Round(float64(amount)*CommissionRate()*100) / 100
}

// PaymentBounds returns the configured [min, max] stake range in whole euros.
func PaymentBounds() (int64, int64) {
	min := envInt64("MIN_PAYMENT_AMOUNT_EUR", 10)
	max := envInt64("MAX_PAYMENT_AMOUNT_EUR", 500)
	return min, max
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil && n > 0 {
			return n
		}
		log.Printf("⚠️ Invalid %s %q — using default %d", key, v, fallback)
	}
	return fallback
}
