package subscription

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/mattjoyce/invoicehook/internal/account"
	"github.com/mattjoyce/invoicehook/internal/provider"
)

// Registrar is the upstream call Service.Create needs.
type Registrar interface {
	CreateSubscription(ctx context.Context, auth provider.Auth, req provider.CreateSubscriptionRequest) (*provider.Subscription, error)
}

// AccountGetter loads the account a subscription belongs to.
type AccountGetter interface {
	Get(ctx context.Context, id string) (*account.ProviderAccount, error)
}

// CreateRequest asks for a new provider subscription.
type CreateRequest struct {
	AccountID          string   `validate:"required"`
	Sink               string   `validate:"required,url"`
	Types              []string `validate:"required,min=1,dive,required"`
	VerificationMethod string   `validate:"omitempty,oneof=header query"`
	Mapping            string   `validate:"omitempty,oneof=binary structured"`
}

// Service registers subscriptions upstream and records them locally.
type Service struct {
	store     *Store
	accounts  AccountGetter
	creds     account.CredentialProvider
	registrar Registrar
	validate  *validator.Validate
	logger    *slog.Logger
}

func NewService(store *Store, accounts AccountGetter, creds account.CredentialProvider, registrar Registrar, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		accounts:  accounts,
		creds:     creds,
		registrar: registrar,
		validate:  validator.New(),
		logger:    logger.With("component", "subscription"),
	}
}

// Create validates the request, checks that the sink routes back to the same
// account and event group before any upstream call, registers the
// subscription, then upserts the local row.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Subscription, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid create request: %w", err)
	}
	group, err := ValidateSink(req.Sink, req.AccountID, req.Types[0])
	if err != nil {
		return nil, err
	}

	acct, err := s.accounts.Get(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	token, err := s.creds.Token(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	verification := req.VerificationMethod
	if verification == "" {
		verification = "header"
	}
	mapping := req.Mapping
	if mapping == "" {
		mapping = provider.MappingBinary
	}
	created, err := s.registrar.CreateSubscription(ctx, provider.Auth{CompanyID: acct.CompanyID, AccessToken: token},
		provider.CreateSubscriptionRequest{
			Sink:               req.Sink,
			Types:              req.Types,
			VerificationMethod: verification,
			Config:             &provider.SubscriptionConfig{Mapping: mapping},
		})
	if err != nil {
		return nil, fmt.Errorf("create upstream subscription: %w", err)
	}

	sub, err := s.store.Upsert(ctx, UpsertParams{
		AccountID:  req.AccountID,
		EventGroup: group,
		ExternalID: created.ID,
		Secret:     created.Secret,
		ExpiresAt:  created.ExpiresAt,
		Sink:       req.Sink,
		Types:      req.Types,
	})
	if err != nil {
		return nil, fmt.Errorf("record subscription %s: %w", created.ID, err)
	}
	s.logger.Info("subscription created", "subscription", *sub)
	return sub, nil
}

// Lister reads the provider's subscriptions for a company.
type Lister interface {
	ListSubscriptions(ctx context.Context, auth provider.Auth) ([]provider.Subscription, error)
}

// Sync imports the provider's subscriptions for accountID into local rows.
// The event group comes from the sink URL when it routes to this account,
// else from the first event type. Subscriptions whose sink names another
// account are skipped. It returns the number of rows written.
func (s *Service) Sync(ctx context.Context, accountID string, lister Lister) (int, error) {
	acct, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return 0, err
	}
	token, err := s.creds.Token(ctx, accountID)
	if err != nil {
		return 0, err
	}
	upstream, err := lister.ListSubscriptions(ctx, provider.Auth{CompanyID: acct.CompanyID, AccessToken: token})
	if err != nil {
		return 0, fmt.Errorf("list upstream subscriptions: %w", err)
	}

	written := 0
	for _, remote := range upstream {
		group := ""
		if sinkAccount, sinkGroup, perr := ParseSink(remote.Sink); perr == nil {
			if sinkAccount != accountID {
				s.logger.Warn("skipping subscription routed to another account",
					"external_id", remote.ID, "sink_account", sinkAccount, "account_id", accountID)
				continue
			}
			group = sinkGroup
		} else if len(remote.Types) > 0 {
			group = InferEventGroup(remote.Types[0])
		} else {
			group = DefaultEventGroup
		}

		sub, err := s.store.Upsert(ctx, UpsertParams{
			AccountID:  accountID,
			EventGroup: group,
			ExternalID: remote.ID,
			Secret:     remote.Secret,
			ExpiresAt:  remote.ExpiresAt,
			Sink:       remote.Sink,
			Types:      remote.Types,
		})
		if err != nil {
			return written, fmt.Errorf("record subscription %s: %w", remote.ID, err)
		}
		written++
		s.logger.Debug("subscription synced", "subscription", *sub)
	}
	s.logger.Info("subscriptions synced", "account_id", accountID, "upstream", len(upstream), "written", written)
	return written, nil
}
