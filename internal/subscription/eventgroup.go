package subscription

import "strings"

// DefaultEventGroup is used when a type string carries no routing hint.
const DefaultEventGroup = "default"

// knownGroups maps a type segment to its coarse event group.
var knownGroups = map[string]string{
	"entities":           "entity",
	"issued_documents":   "issued_documents",
	"received_documents": "received_documents",
	"products":           "products",
	"receipts":           "receipts",
}

// InferEventGroup derives the routing group from a dotted event type such as
// "it.fattureincloud.webhooks.entities.clients.create". Known segments win;
// otherwise the segment after "webhooks" is used. A type without any dot is
// its own group.
func InferEventGroup(eventType string) string {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return DefaultEventGroup
	}
	if !strings.Contains(eventType, ".") {
		return eventType
	}

	parts := strings.Split(eventType, ".")
	for _, p := range parts {
		if g, ok := knownGroups[p]; ok {
			return g
		}
	}
	for i, p := range parts {
		if p == "webhooks" && i+1 < len(parts) && parts[i+1] != "" {
			return parts[i+1]
		}
	}
	return DefaultEventGroup
}
