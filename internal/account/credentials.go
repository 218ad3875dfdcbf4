package account

import (
	"context"
	"fmt"
	"time"
)

// CredentialProvider yields a bearer token for calling the provider on
// behalf of an account.
type CredentialProvider interface {
	Token(ctx context.Context, accountID string) (string, error)
}

// StoreCredentials reads tokens straight from the account store. Refreshing
// expired tokens is the OAuth layer's job; here they surface as ErrNeedsReauth.
type StoreCredentials struct {
	Store *Store
	Now   func() time.Time
}

func (c StoreCredentials) Token(ctx context.Context, accountID string) (string, error) {
	a, err := c.Store.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	if !a.Usable(now()) {
		return "", fmt.Errorf("%w: %s (status %s)", ErrNeedsReauth, accountID, a.Status)
	}
	return a.AccessToken, nil
}
