package signature

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIssuer = "https://api-v2.fattureincloud.it"

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	return priv, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func sign(t *testing.T, priv *ecdsa.PrivateKey, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(priv)
	require.NoError(t, err)
	return tok
}

func validClaims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Subject:   "company/42",
		ID:        "ce-1",
		IssuedAt:  jwt.NewNumericDate(testNow.Add(-time.Minute)),
		NotBefore: jwt.NewNumericDate(testNow.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(testNow.Add(5 * time.Minute)),
	}
}

func TestVerify(t *testing.T) {
	priv, pubPEM := newKey(t)
	otherPriv, _ := newKey(t)

	v, err := NewVerifier(pubPEM, testIssuer)
	require.NoError(t, err)
	v = v.WithClock(func() time.Time { return testNow })

	tests := []struct {
		name    string
		token   func() string
		jti     string
		sub     string
		wantErr error
	}{
		{
			name:  "valid with expectations",
			token: func() string { return sign(t, priv, validClaims()) },
			jti:   "ce-1",
			sub:   "company/42",
		},
		{
			name:  "valid without expectations",
			token: func() string { return sign(t, priv, validClaims()) },
		},
		{
			name:    "wrong key",
			token:   func() string { return sign(t, otherPriv, validClaims()) },
			wantErr: ErrSignatureInvalid,
		},
		{
			name: "expired",
			token: func() string {
				c := validClaims()
				c.ExpiresAt = jwt.NewNumericDate(testNow.Add(-time.Second))
				return sign(t, priv, c)
			},
			wantErr: ErrExpired,
		},
		{
			name: "not yet valid",
			token: func() string {
				c := validClaims()
				c.NotBefore = jwt.NewNumericDate(testNow.Add(time.Hour))
				return sign(t, priv, c)
			},
			wantErr: ErrNotYetValid,
		},
		{
			name:    "garbage",
			token:   func() string { return "not.a.jwt" },
			wantErr: ErrMalformedToken,
		},
		{
			name: "issuer mismatch",
			token: func() string {
				c := validClaims()
				c.Issuer = "https://evil.example"
				return sign(t, priv, c)
			},
			wantErr: ErrIssuerMismatch,
		},
		{
			name:    "jti mismatch with valid signature",
			token:   func() string { return sign(t, priv, validClaims()) },
			jti:     "ce-other",
			wantErr: ErrClaimMismatch,
		},
		{
			name:    "subject mismatch",
			token:   func() string { return sign(t, priv, validClaims()) },
			jti:     "ce-1",
			sub:     "company/7",
			wantErr: ErrClaimMismatch,
		},
		{
			name: "hs256 rejected",
			token: func() string {
				tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims()).SignedString([]byte("k"))
				require.NoError(t, err)
				return tok
			},
			wantErr: ErrSignatureInvalid,
		},
		{
			name:    "empty",
			token:   func() string { return "" },
			wantErr: ErrMissingToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.Verify(tt.token(), tt.jti, tt.sub)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, claims)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ce-1", claims.ID)
		})
	}
}

func TestNewVerifierRejectsBadKey(t *testing.T) {
	_, err := NewVerifier([]byte("nope"), testIssuer)
	require.Error(t, err)

	_, pubPEM := newKey(t)
	_, err = NewVerifier(pubPEM, "")
	require.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", true},
		{"bearer  abc", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("POST", "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, err := BearerToken(r)
		if !tt.ok {
			assert.ErrorIs(t, err, ErrMissingToken, tt.header)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
