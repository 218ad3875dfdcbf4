package subscription

import (
	"fmt"
	"net/url"
	"strings"
)

// SinkPath is the route prefix deliveries arrive on.
const SinkPath = "/webhooks/"

// BuildSink returns the callback URL for (accountID, eventGroup) under base.
func BuildSink(publicBaseURL, accountID, eventGroup string) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: public base url %q", ErrInvalidSink, publicBaseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + SinkPath + url.PathEscape(accountID) + "/" + url.PathEscape(eventGroup)
	return u.String(), nil
}

// ParseSink extracts the account id and event group a sink URL routes to.
func ParseSink(sink string) (accountID, eventGroup string, err error) {
	u, err := url.Parse(strings.TrimSpace(sink))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSink, sink)
	}
	path := u.EscapedPath()
	idx := strings.LastIndex(path, SinkPath)
	if idx < 0 {
		return "", "", fmt.Errorf("%w: %q has no %s segment", ErrInvalidSink, sink, strings.Trim(SinkPath, "/"))
	}
	rest := strings.Split(strings.Trim(path[idx+len(SinkPath):], "/"), "/")
	if len(rest) != 2 || rest[0] == "" || rest[1] == "" {
		return "", "", fmt.Errorf("%w: %q must end in %s{account}/{group}", ErrInvalidSink, sink, SinkPath)
	}
	accountID, err = url.PathUnescape(rest[0])
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidSink, err)
	}
	eventGroup, err = url.PathUnescape(rest[1])
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidSink, err)
	}
	return accountID, eventGroup, nil
}

// ValidateSink checks that sink routes back to accountID and to the group
// inferred from firstType, so the registration is deliverable.
func ValidateSink(sink, accountID, firstType string) (string, error) {
	sinkAccount, sinkGroup, err := ParseSink(sink)
	if err != nil {
		return "", err
	}
	if sinkAccount != accountID {
		return "", fmt.Errorf("%w: sink has %q, want %q", ErrSinkAccountMismatch, sinkAccount, accountID)
	}
	group := InferEventGroup(firstType)
	if sinkGroup != group {
		return "", fmt.Errorf("%w: sink has %q, types infer %q", ErrSinkEventGroupMismatch, sinkGroup, group)
	}
	return group, nil
}
