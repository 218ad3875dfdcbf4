package webhook

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/invoicehook/internal/config"
	"github.com/mattjoyce/invoicehook/internal/signature"
)

// FromGlobalConfig converts config.WebhooksConfig to webhook.Config.
func FromGlobalConfig(wc config.WebhooksConfig) (Config, error) {
	maxBodySize, err := parseMaxBodySize(wc.MaxBodySize)
	if err != nil {
		return Config{}, fmt.Errorf("webhooks: invalid max_body_size %q: %w", wc.MaxBodySize, err)
	}
	return Config{
		Listen:          wc.Listen,
		MaxBodySize:     maxBodySize,
		ChallengeHeader: wc.ChallengeHeader,
		ChallengeParam:  wc.ChallengeParam,
		RateLimit:       wc.RateLimit.Requests,
		RateWindow:      wc.RateLimit.Window,
		TrustProxy:      wc.TrustProxy,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
	}, nil
}

// VerifierFromConfig builds the token verifier, or returns nil when
// signature verification is switched off.
func VerifierFromConfig(wc config.WebhooksConfig) (*signature.Verifier, error) {
	if !wc.SignatureEnabled() {
		return nil, nil
	}
	pemBytes := []byte(wc.PublicKey)
	if strings.TrimSpace(wc.PublicKey) == "" {
		b, err := os.ReadFile(wc.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("webhooks: read public key: %w", err)
		}
		pemBytes = b
	}
	v, err := signature.NewVerifier(pemBytes, wc.Issuer)
	if err != nil {
		return nil, fmt.Errorf("webhooks: %w", err)
	}
	return v, nil
}

// parseMaxBodySize parses size strings like "1MB", "2048576", "1048576" to bytes.
// Returns DefaultMaxBodySize if empty.
func parseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{{"KB", 1 << 10}, {"MB", 1 << 20}, {"GB", 1 << 30}} {
		if strings.HasSuffix(upper, unit.suffix) {
			multiplier = unit.mult
			upper = strings.TrimSuffix(upper, unit.suffix)
			break
		}
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}

	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}
