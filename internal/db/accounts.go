package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/claude-relay/internal/db/models"
	"gorm.io/gorm"
)

// ErrAccountNotFound is returned when an account id does not exist.
var ErrAccountNotFound = errors.New("account not found")

// AccountStore owns the accounts table. All operations are atomic at the
// single-row level; the extension blob is stored opaque.
type AccountStore struct {
	db *gorm.DB
}

// NewAccountStore wraps a gorm handle.
func NewAccountStore(database *gorm.DB) *AccountStore {
	return &AccountStore{db: database}
}

// DB exposes the underlying handle for collaborating stores.
func (s *AccountStore) DB() *gorm.DB { return s.db }

// Create inserts a new account, assigning an id when absent and clamping
// the scheduling fields to their valid ranges.
func (s *AccountStore) Create(acc *models.Account) error {
	if acc.ID == "" {
		acc.ID = uuid.New().String()
	}
	if acc.Weight < 1 {
		acc.Weight = 50
	}
	if acc.Weight > 100 {
		acc.Weight = 100
	}
	if acc.RateLimitPerHour <= 0 {
		acc.RateLimitPerHour = 20
	}
	enabled := acc.Enabled
	if err := s.db.Create(acc).Error; err != nil {
		return err
	}
	// The enabled column defaults to true, which gorm substitutes for a
	// zero-value bool on insert; a disabled account is written explicitly.
	if !enabled {
		acc.Enabled = false
		return s.db.Model(acc).Update("enabled", false).Error
	}
	return nil
}

// Get fetches one account by id.
func (s *AccountStore) Get(id string) (*models.Account, error) {
	var acc models.Account
	if err := s.db.First(&acc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}

// List returns all accounts ordered by id for stable iteration.
func (s *AccountStore) List() ([]models.Account, error) {
	var accounts []models.Account
	if err := s.db.Order("id ASC").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// ListByType returns all accounts of one channel type ordered by id.
func (s *AccountStore) ListByType(accountType string) ([]models.Account, error) {
	var accounts []models.Account
	if err := s.db.Where("type = ?", accountType).Order("id ASC").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// Update applies a field map to one row.
func (s *AccountStore) Update(id string, fields map[string]any) error {
	res := s.db.Model(&models.Account{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Delete removes the account row.
func (s *AccountStore) Delete(id string) error {
	res := s.db.Delete(&models.Account{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// MarkSelected updates last_used_at and bumps request_count in one statement.
func (s *AccountStore) MarkSelected(id string, now time.Time) error {
	return s.db.Model(&models.Account{}).Where("id = ?", id).Updates(map[string]any{
		"last_used_at":  now,
		"request_count": gorm.Expr("request_count + 1"),
	}).Error
}

// MarkSuccess bumps success_count and clears the error streak.
func (s *AccountStore) MarkSuccess(id string) error {
	return s.db.Model(&models.Account{}).Where("id = ?", id).Updates(map[string]any{
		"success_count": gorm.Expr("success_count + 1"),
		"error_streak":  0,
	}).Error
}

// MarkError bumps error_count and the consecutive-error streak.
func (s *AccountStore) MarkError(id string) error {
	return s.db.Model(&models.Account{}).Where("id = ?", id).Updates(map[string]any{
		"error_count":  gorm.Expr("error_count + 1"),
		"error_streak": gorm.Expr("error_streak + 1"),
	}).Error
}

// SetCooldown moves cooldown_until forward; an earlier existing cooldown is
// extended, a later one is kept (the longer of the two applies).
func (s *AccountStore) SetCooldown(id string, until time.Time) error {
	return s.db.Model(&models.Account{}).
		Where("id = ? AND (cooldown_until IS NULL OR cooldown_until < ?)", id, until).
		Update("cooldown_until", until).Error
}

// UpdateRefreshStatus records the outcome of the last token refresh.
func (s *AccountStore) UpdateRefreshStatus(id, status string, at time.Time) error {
	return s.db.Model(&models.Account{}).Where("id = ?", id).Updates(map[string]any{
		"last_refresh_status": status,
		"last_refresh_at":     at,
	}).Error
}

// UpdateTokens persists a refreshed access token and, when rotated, the new
// refresh token.
func (s *AccountStore) UpdateTokens(id, accessToken, refreshToken string) error {
	fields := map[string]any{"access_token": accessToken}
	if refreshToken != "" {
		fields["refresh_token"] = refreshToken
	}
	return s.db.Model(&models.Account{}).Where("id = ?", id).Updates(fields).Error
}

// UpdateExtension replaces the opaque extension blob.
func (s *AccountStore) UpdateExtension(id, extension string) error {
	return s.db.Model(&models.Account{}).Where("id = ?", id).Update("extension", extension).Error
}
