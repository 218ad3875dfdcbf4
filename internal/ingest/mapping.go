// Package ingest records one IngestedEvent per (delivery, resource id) and
// maps event types onto the resources they concern.
package ingest

import "strings"

// ResourceType is the kind of business resource an event refers to.
type ResourceType string

const (
	ResourceClient   ResourceType = "client"
	ResourceSupplier ResourceType = "supplier"
	ResourceQuote    ResourceType = "quote"
	ResourceInvoice  ResourceType = "invoice"
)

// Action is what happened to the resource.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Mapping is the classification of one event type.
type Mapping struct {
	ResourceType ResourceType
	Action       Action
}

type rule struct {
	pattern string
	Mapping
}

// rules is consulted in order; the first substring match wins.
var rules = []rule{
	{"entities.clients.create", Mapping{ResourceClient, ActionCreate}},
	{"entities.clients.update", Mapping{ResourceClient, ActionUpdate}},
	{"entities.clients.delete", Mapping{ResourceClient, ActionDelete}},
	{"entities.suppliers.create", Mapping{ResourceSupplier, ActionCreate}},
	{"entities.suppliers.update", Mapping{ResourceSupplier, ActionUpdate}},
	{"entities.suppliers.delete", Mapping{ResourceSupplier, ActionDelete}},
	{"issued_documents.quotes.create", Mapping{ResourceQuote, ActionCreate}},
	{"issued_documents.quotes.update", Mapping{ResourceQuote, ActionUpdate}},
	{"issued_documents.quotes.delete", Mapping{ResourceQuote, ActionDelete}},
	{"issued_documents.invoices.create", Mapping{ResourceInvoice, ActionCreate}},
	{"issued_documents.invoices.update", Mapping{ResourceInvoice, ActionUpdate}},
	{"issued_documents.invoices.delete", Mapping{ResourceInvoice, ActionDelete}},
}

// Classify maps an event type to its resource type and action. ok is false
// for types this service does not sync.
func Classify(eventType string) (Mapping, bool) {
	t := strings.ToLower(strings.TrimSpace(eventType))
	for _, r := range rules {
		if strings.Contains(t, r.pattern) {
			return r.Mapping, true
		}
	}
	return Mapping{}, false
}
