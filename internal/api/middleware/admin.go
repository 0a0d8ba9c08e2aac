package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/pysugar/claude-relay/internal/db/models"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const sessionCookie = "relay_admin_session"

// AdminAuth guards management routes with X-Admin-Key or a session cookie
// obtained via password login against the bcrypt-hashed admins table.
type AdminAuth struct {
	adminKey string
	db       *gorm.DB

	mu       sync.Mutex
	sessions map[string]time.Time
}

// NewAdminAuth builds the guard. adminKey may be empty when only password
// sessions are used.
func NewAdminAuth(adminKey string, database *gorm.DB) *AdminAuth {
	return &AdminAuth{adminKey: adminKey, db: database, sessions: make(map[string]time.Time)}
}

// Middleware rejects requests lacking a valid admin key or session.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"admin authentication required"}`))
	})
}

func (a *AdminAuth) authorized(r *http.Request) bool {
	if a.adminKey != "" {
		if key := r.Header.Get("X-Admin-Key"); key != "" {
			return subtle.ConstantTimeCompare([]byte(key), []byte(a.adminKey)) == 1
		}
	}
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	expiry, ok := a.sessions[cookie.Value]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(a.sessions, cookie.Value)
		return false
	}
	return true
}

// Login validates a username/password pair against the admins table and
// issues a 24-hour session cookie.
func (a *AdminAuth) Login(w http.ResponseWriter, username, password string) bool {
	var admin models.Admin
	if err := a.db.Where("username = ?", username).First(&admin).Error; err != nil {
		return false
	}
	if bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)) != nil {
		return false
	}

	buf := make([]byte, 32)
	rand.Read(buf)
	sid := hex.EncodeToString(buf)

	a.mu.Lock()
	a.sessions[sid] = time.Now().Add(24 * time.Hour)
	a.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return true
}

// CreateAdmin inserts an admin row with a bcrypt-hashed password.
func CreateAdmin(database *gorm.DB, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return database.Create(&models.Admin{Username: username, PasswordHash: string(hash)}).Error
}
