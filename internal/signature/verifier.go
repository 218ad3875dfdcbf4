// Package signature verifies the ES256 bearer tokens the provider attaches to
// webhook deliveries.
package signature

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken     = errors.New("missing bearer token")
	ErrMalformedToken   = errors.New("malformed token")
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrExpired          = errors.New("token expired")
	ErrNotYetValid      = errors.New("token not yet valid")
	ErrIssuerMismatch   = errors.New("issuer mismatch")
	ErrClaimMismatch    = errors.New("claim mismatch")
)

// Claims are the registered claims carried by a delivery token.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier checks tokens against one statically configured public key.
type Verifier struct {
	publicKey *ecdsa.PublicKey
	issuer    string
	now       func() time.Time
}

// NewVerifier parses a PEM-encoded P-256 public key.
func NewVerifier(publicKeyPEM []byte, issuer string) (*Verifier, error) {
	key, err := jwt.ParseECPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	if key.Curve.Params().Name != "P-256" {
		return nil, fmt.Errorf("public key curve %s is not P-256", key.Curve.Params().Name)
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, errors.New("issuer is required")
	}
	return &Verifier{publicKey: key, issuer: issuer, now: time.Now}, nil
}

// WithClock returns a copy of v that evaluates time claims at now().
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	cp := *v
	cp.now = now
	return &cp
}

// Verify checks signature, time window and issuer, then the optional jti and
// sub expectations. Any failing check rejects the whole token.
func (v *Verifier) Verify(token, expectedJTI, expectedSubject string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return v.publicKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, classify(err)
	}

	if claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: got %q", ErrIssuerMismatch, claims.Issuer)
	}
	if expectedJTI != "" && claims.ID != expectedJTI {
		return nil, fmt.Errorf("%w: jti", ErrClaimMismatch)
	}
	if expectedSubject != "" && claims.Subject != expectedSubject {
		return nil, fmt.Errorf("%w: sub", ErrClaimMismatch)
	}
	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return fmt.Errorf("%w: %v", ErrNotYetValid, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingToken
	}
	const prefix = "bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", fmt.Errorf("%w: invalid Authorization header format", ErrMissingToken)
	}
	token := strings.TrimSpace(auth[len(prefix):])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
