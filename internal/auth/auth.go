// Package auth issues and checks the device tokens the remote server
// requires. Devices enroll with a shared secret whose bcrypt hash is
// configured on the server, and receive a short-lived HS256 JWT.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrBadSecret means the enrollment secret did not match.
	ErrBadSecret = errors.New("invalid device secret")
	// ErrInvalidToken means a token is malformed, forged or expired.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Claims identifies an enrolled device.
type Claims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// Issuer signs and validates device tokens.
type Issuer struct {
	key        []byte
	enrollHash []byte
	ttl        time.Duration
	now        func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithTTL sets the token lifetime. Defaults to 24h.
func WithTTL(d time.Duration) IssuerOption {
	return func(i *Issuer) { i.ttl = d }
}

// WithClock sets the clock used for issuing and expiry checks.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer returns an issuer signing with key. enrollHash is the bcrypt
// hash of the shared device secret.
func NewIssuer(key []byte, enrollHash string, opts ...IssuerOption) (*Issuer, error) {
	if len(key) < 16 {
		return nil, errors.New("signing key must be at least 16 bytes")
	}
	if _, err := bcrypt.Cost([]byte(enrollHash)); err != nil {
		return nil, fmt.Errorf("enrollment hash: %w", err)
	}
	i := &Issuer{
		key:        key,
		enrollHash: []byte(enrollHash),
		ttl:        24 * time.Hour,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Enroll checks the device secret and returns a token for deviceID.
func (i *Issuer) Enroll(deviceID, secret string) (string, error) {
	if deviceID == "" {
		return "", errors.New("device id is required")
	}
	if err := bcrypt.CompareHashAndPassword(i.enrollHash, []byte(secret)); err != nil {
		return "", ErrBadSecret
	}
	return i.GenerateToken(deviceID)
}

// GenerateToken signs a token for deviceID.
func (i *Issuer) GenerateToken(deviceID string) (string, error) {
	now := i.now()
	claims := &Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.key)
}

// ValidateToken parses and verifies a token.
func (i *Issuer) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return i.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing device id", ErrInvalidToken)
	}
	return claims, nil
}

// HashSecret returns the bcrypt hash to configure on the server.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret must not be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
