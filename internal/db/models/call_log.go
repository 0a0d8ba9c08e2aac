package models

import "time"

// CallLog records one successful upstream completion for rate limiting.
type CallLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AccountID string    `gorm:"index:idx_account_ts" json:"account_id"`
	Timestamp time.Time `gorm:"index:idx_account_ts" json:"timestamp"`
	Model     string    `json:"model"`
}

// CallStats holds windowed call counts for one account.
type CallStats struct {
	LastHour int64 `json:"last_hour"`
	LastDay  int64 `json:"last_day"`
	Total    int64 `json:"total"`
}
