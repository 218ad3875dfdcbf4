package provider

import (
	"encoding/json"
	"time"
)

// Auth identifies the company and credential a call acts for.
type Auth struct {
	CompanyID   string
	AccessToken string
}

// Resource types understood by GetResource and ListResources.
const (
	ResourceClient   = "client"
	ResourceSupplier = "supplier"
	ResourceQuote    = "quote"
	ResourceInvoice  = "invoice"
)

// Mapping values for subscription config.
const (
	MappingBinary     = "binary"
	MappingStructured = "structured"
)

// SubscriptionConfig is the delivery configuration of a subscription.
type SubscriptionConfig struct {
	Mapping string `json:"mapping,omitempty"`
}

// CreateSubscriptionRequest registers a sink for a set of event types.
type CreateSubscriptionRequest struct {
	Sink               string              `json:"sink"`
	Types              []string            `json:"types"`
	VerificationMethod string              `json:"verification_method,omitempty"`
	Config             *SubscriptionConfig `json:"config,omitempty"`
}

// Subscription is the provider's view of a subscription.
type Subscription struct {
	ID        string              `json:"id"`
	Sink      string              `json:"sink,omitempty"`
	Verified  bool                `json:"verified,omitempty"`
	Types     []string            `json:"types,omitempty"`
	Secret    string              `json:"secret,omitempty"`
	Config    *SubscriptionConfig `json:"config,omitempty"`
	ExpiresAt *time.Time          `json:"expires_at,omitempty"`
}

// Page is one page of a list endpoint.
type Page struct {
	Items       []json.RawMessage
	CurrentPage int
	LastPage    int
	PerPage     int
	Total       int
}

// HasNext reports whether another page follows.
func (p Page) HasNext() bool {
	return p.CurrentPage < p.LastPage
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

type listEnvelope struct {
	Data        []json.RawMessage `json:"data"`
	CurrentPage int               `json:"current_page"`
	LastPage    int               `json:"last_page"`
	PerPage     int               `json:"per_page"`
	Total       int               `json:"total"`
}
