package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const accessTokenQueryParam = "access_token"

var (
	ErrMissingToken = errors.New("auth: token required")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")
)

// TokenValidatorConfig describes how device tokens are checked.
type TokenValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Clock         func() time.Time
}

// TokenValidator validates HS256 device tokens.
type TokenValidator struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

func NewTokenValidator(cfg TokenValidatorConfig) (*TokenValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      strings.TrimSpace(cfg.Audience),
		clock:         clock,
	}, nil
}

// ValidateToken parses tokenString and returns its claims.
func (v *TokenValidator) ValidateToken(tokenString string) (DeviceClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return DeviceClaims{}, ErrMissingToken
	}

	options := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	claims := &DeviceClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.signingSecret, nil
	}, options...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return DeviceClaims{}, fmt.Errorf("%w: %w", ErrExpiredToken, err)
		}
		return DeviceClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return DeviceClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.DeviceID) == "" || claims.Subject != claims.DeviceID {
		return DeviceClaims{}, fmt.Errorf("%w: device id mismatch", ErrInvalidToken)
	}
	return *claims, nil
}

// ValidateRequest reads a bearer token from the Authorization header, falling back
// to the access_token query parameter used by websocket clients.
func (v *TokenValidator) ValidateRequest(r *http.Request) (DeviceClaims, error) {
	if r == nil {
		return DeviceClaims{}, ErrMissingToken
	}
	return v.ValidateToken(TokenFromRequest(r))
}

// TokenFromRequest extracts the raw token without validating it.
func TokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get(accessTokenQueryParam))
}
