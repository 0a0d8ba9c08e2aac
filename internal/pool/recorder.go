package pool

import (
	"log"
	"time"

	"github.com/pysugar/claude-relay/internal/db/models"
	"gorm.io/gorm"
)

// Recorder keeps the per-account sliding-window call tally. One row is
// appended per successful upstream completion; failed or cancelled requests
// never reach it.
type Recorder struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRecorder wraps a gorm handle.
func NewRecorder(database *gorm.DB) *Recorder {
	return &Recorder{db: database, now: time.Now}
}

// Record appends one call-log row stamped now.
func (r *Recorder) Record(accountID, model string) error {
	return r.db.Create(&models.CallLog{
		AccountID: accountID,
		Timestamp: r.now(),
		Model:     model,
	}).Error
}

// CountInWindow returns the number of calls within the trailing window.
func (r *Recorder) CountInWindow(accountID string, window time.Duration) int64 {
	var count int64
	r.db.Model(&models.CallLog{}).
		Where("account_id = ? AND timestamp >= ?", accountID, r.now().Add(-window)).
		Count(&count)
	return count
}

// Stats returns the 1h/24h/total call counts for one account.
func (r *Recorder) Stats(accountID string) models.CallStats {
	var stats models.CallStats
	now := r.now()
	r.db.Model(&models.CallLog{}).
		Where("account_id = ? AND timestamp >= ?", accountID, now.Add(-time.Hour)).
		Count(&stats.LastHour)
	r.db.Model(&models.CallLog{}).
		Where("account_id = ? AND timestamp >= ?", accountID, now.Add(-24*time.Hour)).
		Count(&stats.LastDay)
	r.db.Model(&models.CallLog{}).
		Where("account_id = ?", accountID).
		Count(&stats.Total)
	return stats
}

// PurgeOlderThan drops rows past the retention horizon.
func (r *Recorder) PurgeOlderThan(age time.Duration) {
	res := r.db.Where("timestamp < ?", r.now().Add(-age)).Delete(&models.CallLog{})
	if res.Error != nil {
		log.Printf("⚠️ Call-log purge failed: %v", res.Error)
		return
	}
	if res.RowsAffected > 0 {
		log.Printf("🧹 Purged %d call-log rows older than %s", res.RowsAffected, age)
	}
}

// StartRetentionLoop purges week-old rows on a daily ticker until stop closes.
func (r *Recorder) StartRetentionLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(24 * time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.PurgeOlderThan(7 * 24 * time.Hour)
			case <-stop:
				return
			}
		}
	}()
}
