// Package cloudevents normalizes binary-mode and structured-mode CloudEvents
// deliveries into one Event value.
package cloudevents

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StructuredContentType selects structured mode.
const StructuredContentType = "application/cloudevents+json"

// Mode is the content mode a delivery arrived in.
type Mode string

const (
	ModeBinary     Mode = "binary"
	ModeStructured Mode = "structured"
)

var (
	ErrMissingType   = errors.New("missing event type")
	ErrMalformedBody = errors.New("malformed event body")
)

// Event is the canonical form of a delivery, independent of content mode.
type Event struct {
	Type        string
	Time        string
	OccurredAt  *time.Time
	Subject     string
	ID          string
	Source      string
	SpecVersion string
	ResourceIDs []string
	Mode        Mode

	// Data is the raw data object, kept for the audit payload.
	Data json.RawMessage
}

type structuredEnvelope struct {
	Type        string          `json:"type"`
	Time        string          `json:"time"`
	Subject     string          `json:"subject"`
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	SpecVersion string          `json:"specversion"`
	Data        json.RawMessage `json:"data"`
}

type binaryBody struct {
	Data json.RawMessage `json:"data"`
}

type dataIDs struct {
	IDs []json.RawMessage `json:"ids"`
}

// ModeFor picks the content mode from a Content-Type header value.
func ModeFor(contentType string) Mode {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	if strings.EqualFold(mt, StructuredContentType) {
		return ModeStructured
	}
	return ModeBinary
}

// Decode builds an Event. An empty ids array decodes successfully; callers
// decide whether that is acceptable.
func Decode(headers http.Header, body []byte, contentType string) (*Event, error) {
	ev := &Event{Mode: ModeFor(contentType)}

	var data json.RawMessage
	switch ev.Mode {
	case ModeStructured:
		var env structuredEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		ev.Type = strings.TrimSpace(env.Type)
		ev.Time = env.Time
		ev.Subject = env.Subject
		ev.ID = env.ID
		ev.Source = env.Source
		ev.SpecVersion = env.SpecVersion
		data = env.Data
	default:
		ev.Type = strings.TrimSpace(headers.Get("ce-type"))
		ev.Time = headers.Get("ce-time")
		ev.Subject = headers.Get("ce-subject")
		ev.ID = headers.Get("ce-id")
		ev.Source = headers.Get("ce-source")
		ev.SpecVersion = headers.Get("ce-specversion")
		if len(bytes.TrimSpace(body)) > 0 {
			var b binaryBody
			if err := json.Unmarshal(body, &b); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
			}
			data = b.Data
		}
	}

	if ev.Type == "" {
		return nil, ErrMissingType
	}

	ids, err := parseIDs(data)
	if err != nil {
		return nil, err
	}
	ev.ResourceIDs = ids
	ev.Data = data

	if ev.Time != "" {
		if t, err := time.Parse(time.RFC3339Nano, ev.Time); err == nil {
			t = t.UTC()
			ev.OccurredAt = &t
		}
	}
	return ev, nil
}

func parseIDs(data json.RawMessage) ([]string, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return []string{}, nil
	}
	var d dataIDs
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrMalformedBody, err)
	}
	out := make([]string, 0, len(d.IDs))
	for _, raw := range d.IDs {
		id, err := idString(raw)
		if err != nil {
			return nil, err
		}
		if id != "" {
			out = append(out, id)
		}
	}
	return out, nil
}

// idString accepts a JSON number or string id.
func idString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", fmt.Errorf("%w: id %s is neither string nor number", ErrMalformedBody, raw)
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	return n.String(), nil
}
