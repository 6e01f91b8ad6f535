// Package auth owns username/password accounts and session tokens. The
// core consumes only the Authenticator interface and the player id it
// yields; everything else here is replaceable.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"gridshard/server/internal/world"
)

const timeLayout = time.RFC3339Nano

// ErrInvalidCredentials covers unknown users and wrong passwords alike,
// so login failures do not reveal which half was wrong.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// ErrInvalidToken marks missing or expired session tokens.
var ErrInvalidToken = errors.New("auth: invalid token")

// ErrUsernameTaken marks duplicate registrations.
var ErrUsernameTaken = errors.New("auth: username taken")

// Authenticator resolves a session token to a player id. It is the only
// auth capability the core depends on.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (playerID string, err error)
}

// Service is the store-backed Authenticator with registration and login.
type Service struct {
	db             *sql.DB
	sessionTimeout time.Duration
}

// NewService wraps the shared database handle. A zero sessionTimeout
// means tokens never expire.
func NewService(db *sql.DB, sessionTimeout time.Duration) *Service {
	return &Service{db: db, sessionTimeout: sessionTimeout}
}

// Register creates a player account and returns its id.
func (s *Service) Register(ctx context.Context, username, password string) (string, error) {
	if len(username) == 0 || len(password) < 8 {
		return "", fmt.Errorf("auth: username required and password must be at least 8 characters")
	}

	playerID := world.NewID()
	hash, err := hashPassword(password)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO players (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		playerID, username, hash, time.Now().UTC().Format(timeLayout))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return "", ErrUsernameTaken
		}
		return "", fmt.Errorf("auth: create player: %w", err)
	}
	return playerID, nil
}

// Login verifies credentials and issues a fresh session token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	var playerID, storedHash string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, password_hash FROM players WHERE username = ?`, username).
		Scan(&playerID, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("auth: lookup player: %w", err)
	}
	if !verifyPassword(storedHash, password) {
		return "", ErrInvalidCredentials
	}

	token, err := newToken()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	var expires any
	if s.sessionTimeout > 0 {
		expires = now.Add(s.sessionTimeout).Format(timeLayout)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, player_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		token, playerID, now.Format(timeLayout), expires)
	if err != nil {
		return "", fmt.Errorf("auth: create session: %w", err)
	}
	return token, nil
}

// Authenticate resolves a token to its player id.
func (s *Service) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	var playerID string
	var expires sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT player_id, expires_at FROM sessions WHERE token = ?`, token).
		Scan(&playerID, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("auth: lookup session: %w", err)
	}
	if expires.Valid {
		expiry, err := time.Parse(timeLayout, expires.String)
		if err != nil || time.Now().UTC().After(expiry) {
			return "", ErrInvalidToken
		}
	}
	return playerID, nil
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	digest := sha256.Sum256(append(salt, []byte(password)...))
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(digest[:]), nil
}

func verifyPassword(stored, password string) bool {
	parts := strings.SplitN(stored, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false
	}
	digest := sha256.Sum256(append(salt, []byte(password)...))
	return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(digest[:])), []byte(parts[1])) == 1
}

func newToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
