package models

import "time"

// UsageRecord stores per-request token accounting.
type UsageRecord struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	Timestamp           time.Time `gorm:"index" json:"timestamp"`
	Model               string    `gorm:"index" json:"model"`
	Channel             string    `gorm:"index" json:"channel"`
	AccountID           string    `gorm:"index" json:"account_id,omitempty"`
	InputTokens         int       `json:"input_tokens"`
	OutputTokens        int       `json:"output_tokens"`
	CacheCreationTokens int       `json:"cache_creation_tokens"`
	CacheReadTokens     int       `json:"cache_read_tokens"`
}

// UsageSummary aggregates usage rows over a period.
type UsageSummary struct {
	Period              string           `json:"period"`
	TotalRequests       int64            `json:"total_requests"`
	InputTokens         int64            `json:"input_tokens"`
	OutputTokens        int64            `json:"output_tokens"`
	CacheCreationTokens int64            `json:"cache_creation_tokens"`
	CacheReadTokens     int64            `json:"cache_read_tokens"`
	ByModel             map[string]int64 `json:"by_model"`
	ByChannel           map[string]int64 `json:"by_channel"`
}
