package models

import (
	"encoding/json"
	"time"
)

// Account types (upstream channel families).
const (
	TypeAmazonQ   = "amazon_q"
	TypeGemini    = "gemini"
	TypeCustomAPI = "custom_api"
)

// Account stores one set of upstream credentials plus its scheduling state.
type Account struct {
	ID           string `gorm:"primaryKey" json:"id"` // UUID
	Type         string `gorm:"index" json:"type"`    // amazon_q | gemini | custom_api
	Label        string `json:"label"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"-"`
	RefreshToken string `json:"-"`
	AccessToken  string `json:"-"`

	// Extension is an opaque JSON blob carrying provider-specific extras:
	// amazon_q: {"profile_arn": ...}
	// gemini:   {"project_id": ..., "endpoint": ..., "model_quotas": {model: {remaining, reset_at}}}
	// custom_api: {"api_base": ..., "model": ..., "format": "openai"|"claude", "provider": ""|"azure"}
	Extension string `gorm:"type:text" json:"extension,omitempty"`

	// ModelMappings is an ordered JSON list of {"request_model","target_model"} pairs.
	ModelMappings string `gorm:"type:text" json:"model_mappings,omitempty"`

	Enabled          bool       `gorm:"default:true" json:"enabled"`
	Weight           int        `gorm:"default:50" json:"weight"` // [1,100]
	RateLimitPerHour int        `gorm:"default:20" json:"rate_limit_per_hour"`
	CooldownUntil    *time.Time `json:"cooldown_until,omitempty"`
	LastUsedAt       time.Time  `json:"last_used_at"`

	RequestCount int `gorm:"default:0" json:"request_count"`
	SuccessCount int `gorm:"default:0" json:"success_count"`
	ErrorCount   int `gorm:"default:0" json:"error_count"`
	ErrorStreak  int `gorm:"default:0" json:"error_streak"`

	LastRefreshStatus string    `json:"last_refresh_status,omitempty"` // "" | ok | failed
	LastRefreshAt     time.Time `json:"last_refresh_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ModelMapping is one entry of the per-account ordered mapping list.
type ModelMapping struct {
	RequestModel string `json:"request_model"`
	TargetModel  string `json:"target_model"`
}

// Mappings decodes the ordered model-mapping list. A broken blob maps to none.
func (a *Account) Mappings() []ModelMapping {
	if a.ModelMappings == "" {
		return nil
	}
	var out []ModelMapping
	if err := json.Unmarshal([]byte(a.ModelMappings), &out); err != nil {
		return nil
	}
	return out
}

// ResolveModel applies the account's model mappings: first match wins,
// otherwise the requested model passes through verbatim.
func (a *Account) ResolveModel(requested string) string {
	for _, m := range a.Mappings() {
		if m.RequestModel == requested {
			return m.TargetModel
		}
	}
	return requested
}

// ExtensionMap decodes the opaque extension blob. A broken blob maps to empty.
func (a *Account) ExtensionMap() map[string]any {
	if a.Extension == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(a.Extension), &out); err != nil {
		return map[string]any{}
	}
	return out
}

// ExtensionString returns a string field from the extension blob.
func (a *Account) ExtensionString(key string) string {
	v, _ := a.ExtensionMap()[key].(string)
	return v
}

// InCooldown reports whether the account's cooldown is still in the future.
func (a *Account) InCooldown(now time.Time) bool {
	return a.CooldownUntil != nil && a.CooldownUntil.After(now)
}

// ModelQuota is the per-model quota state kept inside a gemini account's extension.
type ModelQuota struct {
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// ModelQuotas decodes the gemini per-model quota map from the extension blob.
func (a *Account) ModelQuotas() map[string]ModelQuota {
	raw, ok := a.ExtensionMap()["model_quotas"]
	if !ok {
		return nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var out map[string]ModelQuota
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil
	}
	return out
}

// HasModelQuota reports whether a gemini account may serve the model.
// Accounts without a quota entry for the model are unconstrained.
func (a *Account) HasModelQuota(model string, now time.Time) bool {
	quotas := a.ModelQuotas()
	if quotas == nil {
		return true
	}
	q, ok := quotas[model]
	if !ok {
		return true
	}
	if q.Remaining > 0 {
		return true
	}
	return !q.ResetAt.After(now)
}
