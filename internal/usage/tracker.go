// Package usage records per-request token accounting and aggregates it.
package usage

import (
	"fmt"
	"log"
	"time"

	"github.com/pysugar/claude-relay/internal/db/models"
	"gorm.io/gorm"
)

// Tracker appends usage rows and serves period summaries.
type Tracker struct {
	db              *gorm.DB
	zeroInputModels map[string]bool
	now             func() time.Time
}

// New builds a tracker; models listed in zeroInputModels record input_tokens
// as zero by configuration.
func New(database *gorm.DB, zeroInputModels []string) *Tracker {
	zero := make(map[string]bool, len(zeroInputModels))
	for _, m := range zeroInputModels {
		zero[m] = true
	}
	return &Tracker{db: database, zeroInputModels: zero, now: time.Now}
}

// Record appends one usage row after a successful completion.
func (t *Tracker) Record(model, channel, accountID string, inputTokens, outputTokens, cacheCreation, cacheRead int) {
	if t.zeroInputModels[model] {
		inputTokens = 0
	}
	row := models.UsageRecord{
		Timestamp:           t.now(),
		Model:               model,
		Channel:             channel,
		AccountID:           accountID,
		InputTokens:         inputTokens,
		OutputTokens:        outputTokens,
		CacheCreationTokens: cacheCreation,
		CacheReadTokens:     cacheRead,
	}
	if err := t.db.Create(&row).Error; err != nil {
		log.Printf("⚠️ Failed to record usage: %v", err)
	}
}

// periodStart maps a summary period to its window start; the zero time means
// no lower bound.
func (t *Tracker) periodStart(period string) (time.Time, error) {
	now := t.now()
	switch period {
	case "hour":
		return now.Add(-time.Hour), nil
	case "day":
		return now.Add(-24 * time.Hour), nil
	case "week":
		return now.Add(-7 * 24 * time.Hour), nil
	case "month":
		return now.Add(-30 * 24 * time.Hour), nil
	case "all", "":
		return time.Time{}, nil
	}
	return time.Time{}, fmt.Errorf("unknown period %q", period)
}

// GetSummary aggregates rows for the period; no materialized view, just a
// range scan.
func (t *Tracker) GetSummary(period string) (*models.UsageSummary, error) {
	start, err := t.periodStart(period)
	if err != nil {
		return nil, err
	}
	if period == "" {
		period = "all"
	}

	query := t.db.Model(&models.UsageRecord{})
	if !start.IsZero() {
		query = query.Where("timestamp >= ?", start)
	}

	var rows []models.UsageRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	summary := &models.UsageSummary{
		Period:    period,
		ByModel:   map[string]int64{},
		ByChannel: map[string]int64{},
	}
	for _, row := range rows {
		summary.TotalRequests++
		summary.InputTokens += int64(row.InputTokens)
		summary.OutputTokens += int64(row.OutputTokens)
		summary.CacheCreationTokens += int64(row.CacheCreationTokens)
		summary.CacheReadTokens += int64(row.CacheReadTokens)
		summary.ByModel[row.Model] += int64(row.InputTokens + row.OutputTokens)
		summary.ByChannel[row.Channel] += int64(row.InputTokens + row.OutputTokens)
	}
	return summary, nil
}
