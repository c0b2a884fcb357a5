package authz

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/phonginreallife/chats/internal/apperr"
)

// AgentClaims identifies an agent by email.
type AgentClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// TokenService signs and validates agent bearer tokens (HS256).
type TokenService struct {
	secret []byte
}

func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret)}
}

// Issue signs a token for email valid for ttl.
func (s *TokenService) Issue(email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AgentClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Validate returns the agent email carried by tokenString.
func (s *TokenService) Validate(tokenString string) (string, error) {
	if len(s.secret) == 0 {
		return "", apperr.New(apperr.Unauthenticated, "agent tokens are not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &AgentClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", apperr.Wrap(apperr.Unauthenticated, err, "invalid token")
	}
	claims, ok := token.Claims.(*AgentClaims)
	if !ok || !token.Valid {
		return "", apperr.New(apperr.Unauthenticated, "invalid token")
	}
	email := claims.Email
	if email == "" {
		email = claims.Subject
	}
	if email == "" {
		return "", apperr.New(apperr.Unauthenticated, "token has no subject")
	}
	return email, nil
}

// ProjectTokens manages external integration tokens "<project_uuid>.<secret>".
// Only a bcrypt hash of the whole token is stored.
type ProjectTokens struct {
	db *sql.DB
}

func NewProjectTokens(pg *sql.DB) *ProjectTokens {
	return &ProjectTokens{db: pg}
}

// Generate replaces the project's token and returns the new plaintext.
func (p *ProjectTokens) Generate(ctx context.Context, projectID string) (string, error) {
	if _, err := uuid.Parse(projectID); err != nil {
		return "", apperr.New(apperr.InvalidInput, "project id must be a uuid")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := projectID + "." + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE projects SET external_token_hash = $1 WHERE id = $2
	`, string(hash), projectID)
	if err != nil {
		return "", fmt.Errorf("failed to store token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", apperr.New(apperr.NotFound, "project not found")
	}
	return token, nil
}

// Validate returns the project the token belongs to.
func (p *ProjectTokens) Validate(ctx context.Context, token string) (string, error) {
	projectID, _, ok := strings.Cut(token, ".")
	if !ok {
		return "", apperr.New(apperr.Unauthenticated, "malformed project token")
	}
	if _, err := uuid.Parse(projectID); err != nil {
		return "", apperr.New(apperr.Unauthenticated, "malformed project token")
	}

	var hash string
	err := p.db.QueryRowContext(ctx, `
		SELECT external_token_hash FROM projects WHERE id = $1
	`, projectID).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperr.New(apperr.Unauthenticated, "unknown project")
		}
		return "", fmt.Errorf("failed to load project token: %w", err)
	}
	if hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
		return "", apperr.New(apperr.Unauthenticated, "invalid project token")
	}
	return projectID, nil
}
