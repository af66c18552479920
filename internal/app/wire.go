package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"pulsecrypt/internal/config"
	"pulsecrypt/internal/directory"
	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/observability"
	"pulsecrypt/internal/protocol/aead"
	"pulsecrypt/internal/services/conversation"
	"pulsecrypt/internal/services/derivation"
	"pulsecrypt/internal/services/engine"
	"pulsecrypt/internal/services/groupkey"
	"pulsecrypt/internal/services/identity"
	"pulsecrypt/internal/services/keycache"
	"pulsecrypt/internal/services/migration"
	"pulsecrypt/internal/store"
)

// GroupsKey is the SecureKeyStore entry listing registered group conversations.
const GroupsKey = "conversation_groups"

// Wire bundles all stores, services and clients for the CLI.
type Wire struct {
	Config  *config.Config
	User    domain.UserID
	Logger  *observability.Logger
	Metrics *observability.Metrics

	KeyStore      domain.SecureKeyStore
	Directory     domain.DirectoryService
	Identity      *identity.Service
	Conversations *conversation.Registry
	Keys          *keycache.Cache
	Groups        *groupkey.Distributor
	Migration     *migration.Coordinator
	Engine        *engine.Engine

	closers []io.Closer
}

// NewWire constructs the dependency graph from cfg.
func NewWire(ctx context.Context, cfg *config.Config, opts Options) (*Wire, error) {
	if cfg.Identity.UserID == "" {
		return nil, fmt.Errorf("app: identity.user_id is not set")
	}
	w := &Wire{Config: cfg, User: domain.UserID(cfg.Identity.UserID)}

	log, err := newLogger(cfg, opts)
	if err != nil {
		return nil, err
	}
	w.Logger = log.WithUser(cfg.Identity.UserID)
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	w.Metrics = observability.NewMetricsWith(reg)

	if w.KeyStore, err = w.openKeyStore(cfg, opts); err != nil {
		return nil, err
	}
	if w.Directory, err = w.openDirectory(cfg, opts); err != nil {
		w.Close()
		return nil, err
	}

	cipher, err := aead.New(cfg.Crypto.AEAD)
	if err != nil {
		w.Close()
		return nil, err
	}
	derive := derivation.New(derivation.WithMetrics(w.Metrics))

	w.Identity = identity.New(w.User, w.KeyStore, w.Directory,
		identity.WithTTL(cfg.IdentityKeyTTL()),
		identity.WithTimeout(cfg.DirectoryTimeout()),
		identity.WithLogger(w.Logger.WithComponent("identity")),
		identity.WithMetrics(w.Metrics),
	)

	w.Conversations = conversation.NewRegistry()
	if err := w.loadGroups(ctx); err != nil {
		w.Close()
		return nil, err
	}

	w.Groups = groupkey.New(w.User, w.Identity, derive, w.Directory, cipher,
		groupkey.WithTimeout(cfg.DirectoryTimeout()))
	w.Keys = keycache.New(w.User, w.Conversations, w.KeyStore,
		keycache.WithTTL(cfg.ConversationKeyTTL()),
		keycache.WithTimeout(cfg.DirectoryTimeout()),
		keycache.WithDeriver(domain.ConversationDirect, &keycache.ECDH{Identity: w.Identity, Engine: derive, Me: w.User}),
		keycache.WithDeriver(domain.ConversationGroup, w.Groups),
		keycache.WithExchangeLog(w.Directory),
		keycache.WithLogger(w.Logger.WithComponent("keycache")),
		keycache.WithMetrics(w.Metrics),
	)
	w.Migration = migration.New(w.User, w.Directory, w.Directory, w.Keys, cipher,
		migration.WithLogger(w.Logger.WithComponent("migration")),
		migration.WithMetrics(w.Metrics),
	)
	w.Engine, err = engine.New(w.User, w.Identity, w.Keys, w.Conversations, w.Directory, derive, cipher,
		engine.WithStrategy(domain.Scheme(cfg.Crypto.Strategy)),
		engine.WithSessionStore(w.KeyStore),
		engine.WithMaxSkipped(cfg.Crypto.MaxSkippedKeys),
		engine.WithLogger(w.Logger.WithComponent("engine")),
		engine.WithMetrics(w.Metrics),
	)
	if err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// RegisterGroup adds a group conversation and remembers it across runs.
func (w *Wire) RegisterGroup(ctx context.Context, conv domain.Conversation) error {
	conv.Type = domain.ConversationGroup
	if err := w.Conversations.Register(conv); err != nil {
		return err
	}
	var groups []domain.Conversation
	if _, err := store.GetJSON(ctx, w.KeyStore, GroupsKey, &groups); err != nil {
		return err
	}
	replaced := false
	for i := range groups {
		if groups[i].ID == conv.ID {
			groups[i], replaced = conv, true
		}
	}
	if !replaced {
		groups = append(groups, conv)
	}
	return store.SetJSON(ctx, w.KeyStore, GroupsKey, groups)
}

// Close waits for background work and releases stores.
func (w *Wire) Close() error {
	if w.Identity != nil {
		w.Identity.Wait()
	}
	if w.Keys != nil {
		w.Keys.Wait()
	}
	var first error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	w.closers = nil
	return first
}

func (w *Wire) loadGroups(ctx context.Context) error {
	var groups []domain.Conversation
	if _, err := store.GetJSON(ctx, w.KeyStore, GroupsKey, &groups); err != nil {
		return fmt.Errorf("app: load groups: %w", err)
	}
	for _, g := range groups {
		if err := w.Conversations.Register(g); err != nil {
			return fmt.Errorf("app: load groups: %w", err)
		}
	}
	return nil
}

func (w *Wire) openKeyStore(cfg *config.Config, opts Options) (domain.SecureKeyStore, error) {
	if opts.KeyStore != nil {
		return opts.KeyStore, nil
	}
	switch cfg.KeyStore.Kind {
	case "memory":
		return store.NewMemoryKeyStore(), nil
	case "file":
		pass := opts.Passphrase
		if pass == "" {
			pass = os.Getenv(cfg.KeyStore.PassphraseEnv)
		}
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		ks, err := store.OpenFileKeyStore(cfg.Identity.Home, pass)
		if err != nil {
			return nil, err
		}
		w.closers = append(w.closers, ks)
		return ks, nil
	default:
		return nil, fmt.Errorf("app: unknown keystore kind %q", cfg.KeyStore.Kind)
	}
}

func (w *Wire) openDirectory(cfg *config.Config, opts Options) (domain.DirectoryService, error) {
	if opts.Directory != nil {
		return opts.Directory, nil
	}
	switch cfg.Directory.Mode {
	case "memory":
		return directory.NewMemory(), nil
	case "sqlite":
		db, err := directory.OpenSQLite(cfg.Directory.DBPath)
		if err != nil {
			return nil, err
		}
		w.closers = append(w.closers, db)
		return db, nil
	case "http":
		c := directory.NewHTTP(cfg.Directory.URL, cfg.DirectoryTimeout())
		if opts.HTTP != nil && opts.HTTP.Transport != nil {
			c.GetClient().SetTransport(opts.HTTP.Transport)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("app: unknown directory mode %q", cfg.Directory.Mode)
	}
}

func newLogger(cfg *config.Config, opts Options) (*observability.Logger, error) {
	var log *observability.Logger
	if cfg.Log.Format == "json" {
		log = observability.NewLogger("pulsecrypt", opts.Version, opts.LogOutput)
	} else {
		log = observability.NewConsoleLogger("pulsecrypt", opts.LogOutput)
	}
	return log.WithLevel(cfg.Log.Level)
}
