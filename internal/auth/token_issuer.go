package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errMissingSigningSecret = errors.New("token issuer: signing secret must be provided")
	errMissingIssuer        = errors.New("token issuer: issuer must be provided")
	errInvalidTokenTTL      = errors.New("token issuer: ttl must be positive")
	errMissingReviewerID    = errors.New("token issuer: reviewer id must be provided")
)

// Reviewer identifies the holder of an issued token.
type Reviewer struct {
	ID          string
	Email       string
	DisplayName string
	Roles       []string
}

// TokenIssuerConfig configures the reviewer token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer signs reviewer session tokens accepted by SessionValidator.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIssuer validates the configuration and returns a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errMissingIssuer
	}
	if cfg.TokenTTL <= 0 {
		return nil, errInvalidTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           cfg.TokenTTL,
		clock:         clock,
	}, nil
}

// Issue signs a token for the reviewer and returns it with its expiry time.
func (i *TokenIssuer) Issue(reviewer Reviewer) (string, time.Time, error) {
	reviewerID := strings.TrimSpace(reviewer.ID)
	if reviewerID == "" {
		return "", time.Time{}, errMissingReviewerID
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := SessionClaims{
		ReviewerID:  reviewerID,
		Email:       strings.TrimSpace(reviewer.Email),
		DisplayName: strings.TrimSpace(reviewer.DisplayName),
		Roles:       append([]string(nil), reviewer.Roles...),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   reviewerID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
