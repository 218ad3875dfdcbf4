package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/mattjoyce/invoicehook/internal/account"
	"github.com/mattjoyce/invoicehook/internal/config"
	"github.com/mattjoyce/invoicehook/internal/ingest"
	"github.com/mattjoyce/invoicehook/internal/log"
	"github.com/mattjoyce/invoicehook/internal/obs"
	"github.com/mattjoyce/invoicehook/internal/provider"
	"github.com/mattjoyce/invoicehook/internal/queue"
	"github.com/mattjoyce/invoicehook/internal/sink"
	"github.com/mattjoyce/invoicehook/internal/storage"
	"github.com/mattjoyce/invoicehook/internal/subscription"
)

const version = "0.3.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := args[0]
	rest := args[1:]

	switch cmd {
	case "system":
		return runSystemNoun(rest)
	case "config":
		return runConfigNoun(rest)
	case "subscriptions":
		return runSubscriptionsNoun(rest)
	case "events":
		return runEventsNoun(rest)
	case "accounts":
		return runAccountsNoun(rest)
	case "resources":
		return runResourcesNoun(rest)

	case "start":
		return runStart(rest)
	case "version":
		fmt.Printf("invoicehook version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `invoicehook - webhook ingestion and subscription lifecycle for an invoicing platform

Usage:
  invoicehook <noun> <action> [flags]

Resources (Nouns):
  system          Service lifecycle
  config          Configuration validation
  subscriptions   Provider webhook subscriptions
  events          Ingested webhook events
  accounts        Provider accounts and credentials
  resources       Locally synced provider resources

System Commands:
  system start                 Run the webhook server, processor and renewal scheduler

Config Commands:
  config check                 Validate configuration and print its fingerprint

Subscription Commands:
  subscriptions create         Register a subscription upstream and record it
  subscriptions renew          Renew subscriptions expiring soon (exit 1 if any failed)
  subscriptions expiring       List subscriptions expiring soon
  subscriptions sync           Import and reconcile subscriptions from the provider

Event Commands:
  events list                  Show ingested events
  events reprocess <id>        Re-drive an event that ended in error

Account Commands:
  accounts add                 Add or update a provider account
  accounts list                List provider accounts

Resource Commands:
  resources backfill           Page through a resource type and sync every item

General:
  version                      Show version information
  help                         Show this help message

Common flags: --config <path> --env-file <path>
Use 'invoicehook <noun> help' for resource-specific actions.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// nounHandler runs one action of a noun.
type nounHandler func(args []string) int

// runNoun is the shared noun/action dispatcher.
func runNoun(noun string, actions []string, handlers map[string]nounHandler, args []string) int {
	if len(args) < 1 {
		printNounHelp(os.Stderr, noun, actions)
		return 1
	}
	if isHelpToken(args[0]) {
		printNounHelp(os.Stdout, noun, actions)
		return 0
	}
	h, ok := handlers[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown %s action: %s\n", noun, args[0])
		return 1
	}
	return h(args[1:])
}

func printNounHelp(w io.Writer, noun string, actions []string) {
	fmt.Fprintf(w, "Usage: invoicehook %s <action> [flags]\n", noun)
	fmt.Fprint(w, "Actions:")
	for i, a := range actions {
		if i > 0 {
			fmt.Fprint(w, ",")
		}
		fmt.Fprint(w, " ", a)
	}
	fmt.Fprintln(w)
}

// commonFlags registers --config and --env-file on fs.
type commonFlags struct {
	configPath string
	envFile    string
}

func (c *commonFlags) register(set *flag.FlagSet) {
	set.StringVar(&c.configPath, "config", "", "Path to configuration file or directory")
	set.StringVar(&c.envFile, "env-file", "", "Load environment variables from this file before reading config")
}

// load reads the env file (explicit, else ./.env when present) and then the
// config, discovering its path when --config is empty.
func (c *commonFlags) load() (*config.Config, error) {
	if c.envFile != "" {
		if err := godotenv.Load(c.envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", c.envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	path := c.configPath
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, err
		}
		path = discovered
	}
	return config.Load(path)
}

// app bundles the stores and clients every command builds from config.
type app struct {
	cfg      *config.Config
	db       *storage.DB
	accounts *account.Store
	creds    account.StoreCredentials
	subs     *subscription.Store
	events   *ingest.Store
	queue    *queue.Queue
	sink     *sink.SQLSink
	client   *provider.Client
}

func openApp(ctx context.Context, cfg *config.Config, metrics *obs.Metrics) (*app, error) {
	db, err := storage.Open(ctx, storage.Options{
		Driver:       cfg.State.Driver,
		Path:         cfg.State.Path,
		DSN:          cfg.State.DSN,
		MaxOpenConns: cfg.State.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}

	client, err := provider.New(provider.Options{
		BaseURL:    cfg.Provider.BaseURL,
		HTTPClient: &http.Client{Timeout: cfg.Provider.Timeout},
		Limiter:    provider.NewLimiter(cfg.Provider.RequestsPerSecond, cfg.Provider.Burst),
		UserAgent:  cfg.Provider.UserAgent,
		Logger:     log.WithComponent("provider"),
		Metrics:    metrics,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	accounts := account.NewStore(db)
	return &app{
		cfg:      cfg,
		db:       db,
		accounts: accounts,
		creds:    account.StoreCredentials{Store: accounts},
		subs:     subscription.NewStore(db),
		events:   ingest.NewStore(db),
		queue:    queue.New(db),
		sink:     sink.NewSQLSink(db),
		client:   client,
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// withApp loads config, opens the app and runs fn. Setup failures exit 1.
func withApp(c *commonFlags, fn func(ctx context.Context, a *app) int) int {
	cfg, err := c.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.SetupWriter(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx := context.Background()
	a, err := openApp(ctx, cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer a.Close()
	return fn(ctx, a)
}
