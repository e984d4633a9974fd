package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/agent-market/agent-market/internal/api"
	"github.com/agent-market/agent-market/internal/audit"
	"github.com/agent-market/agent-market/internal/config"
	"github.com/agent-market/agent-market/internal/db"
	"github.com/agent-market/agent-market/internal/db/repositories"
	"github.com/agent-market/agent-market/internal/export"
	"github.com/agent-market/agent-market/internal/ledger"
	"github.com/agent-market/agent-market/internal/ledger/levelstore"
	"github.com/agent-market/agent-market/internal/ledger/redisstore"
	"github.com/agent-market/agent-market/internal/services"
	"github.com/agent-market/agent-market/internal/sigauth"
	"github.com/agent-market/agent-market/internal/storage"
	"github.com/agent-market/agent-market/internal/telemetry"

	// Import storage backends to register them
	_ "github.com/agent-market/agent-market/internal/storage/azure"
	_ "github.com/agent-market/agent-market/internal/storage/gcs"
	_ "github.com/agent-market/agent-market/internal/storage/local"
	_ "github.com/agent-market/agent-market/internal/storage/s3"
)

// application holds everything serve opens, in the order it must be closed.
type application struct {
	deps    api.Deps
	market  *services.Market
	closers []io.Closer
}

// Close releases resources in reverse order of acquisition.
func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

func (a *application) onClose(c io.Closer) { a.closers = append(a.closers, c) }

// build opens the database, Redis, audit shippers, ledger store and export
// storage that cfg enables, and deploys the market on first start.
func build(ctx context.Context, cfg *config.Config) (_ *application, err error) {
	app := &application{deps: api.Deps{Config: cfg}}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	var database *sqlx.DB
	if cfg.NeedsDatabase() {
		if database, err = openDatabase(cfg); err != nil {
			return nil, err
		}
		app.onClose(database)
		app.deps.DB = database.DB
	}

	if cfg.Redis.Addr != "" && (cfg.Ledger.Store == "redis" || cfg.Security.RateLimiting.Backend == "redis") {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		app.onClose(client)
		if err = client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		app.deps.Redis = client
		slog.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	var ledgerOpts []ledger.Option
	if cfg.Audit.Enabled {
		shippers, err := audit.NewMultiShipper(cfg.Audit.Shippers)
		if err != nil {
			return nil, fmt.Errorf("failed to create audit shippers: %w", err)
		}
		app.onClose(shippers)
		if shippers.Len() > 0 {
			app.deps.AuditShipper = shippers
			if cfg.Audit.ShipLedgerEvents {
				ledgerOpts = append(ledgerOpts, ledger.WithEventSink(audit.NewLedgerSink(shippers)))
			}
		}
		slog.Info("audit logging enabled", "shippers", shippers.Len())
	}

	store, err := openLedgerStore(cfg, database, app.deps.Redis)
	if err != nil {
		return nil, err
	}
	l, err := ledger.Open(ctx, store, ledgerOpts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	// Ledger.Close closes the store.
	app.onClose(l)

	recoverer, err := newRecoverer(cfg.Ledger.SignatureCacheSize)
	if err != nil {
		return nil, err
	}
	app.deps.Recoverer = recoverer

	supply, err := cfg.Ledger.InitialSupplyAmount()
	if err != nil {
		return nil, fmt.Errorf("invalid ledger.initial_supply: %w", err)
	}
	app.market, err = services.NewMarket(ctx, l, services.GenesisConfig{
		Operator:      cfg.Ledger.OperatorAddress(),
		InitialSupply: supply,
		TokenName:     cfg.Ledger.TokenName,
		TokenSymbol:   cfg.Ledger.TokenSymbol,
		TokenDecimals: cfg.Ledger.TokenDecimals,
	}, recoverer)
	if err != nil {
		return nil, err
	}
	app.deps.Market = app.market

	if cfg.Export.Enabled {
		if app.deps.Storage, app.deps.Exporter, err = newExporter(cfg, app.market); err != nil {
			return nil, err
		}
	}
	return app, nil
}

func openDatabase(cfg *config.Config) (*sqlx.DB, error) {
	database, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	telemetry.StartDBStatsCollector(database.DB)

	schema, err := db.Migrate(database.DB, db.Up)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	slog.Info("database schema ready", "version", schema.Version, "dirty", schema.Dirty)
	return database, nil
}

func openLedgerStore(cfg *config.Config, database *sqlx.DB, client redis.UniversalClient) (ledger.Store, error) {
	switch cfg.Ledger.Store {
	case "postgres":
		return repositories.NewStateRepository(database), nil
	case "leveldb":
		s, err := levelstore.Open(cfg.Ledger.LevelDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open leveldb ledger at %s: %w", cfg.Ledger.LevelDBPath, err)
		}
		return s, nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("ledger store redis requires redis.addr")
		}
		return redisstore.New(client, cfg.Ledger.RedisPrefix), nil
	case "memory", "":
		slog.Warn("using in-memory ledger; state is lost on restart")
		return ledger.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown ledger store %q", cfg.Ledger.Store)
	}
}

func newRecoverer(cacheSize int) (sigauth.Recoverer, error) {
	if cacheSize <= 0 {
		return sigauth.ECDSARecoverer{}, nil
	}
	return sigauth.NewCachingRecoverer(sigauth.ECDSARecoverer{}, cacheSize)
}

func newExporter(cfg *config.Config, market *services.Market) (storage.Storage, *export.Exporter, error) {
	store, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	slog.Info("initialized storage backend", "backend", cfg.Storage.DefaultBackend)

	var opts []export.Option
	if cfg.Export.SigningKeyFile != "" {
		signer, err := export.LoadSignerFile(cfg.Export.SigningKeyFile, cfg.Export.SigningKeyPassphrase)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load export signing key: %w", err)
		}
		slog.Info("export signing enabled", "key_id", signer.KeyID())
		opts = append(opts, export.WithSigner(signer))
	}
	return store, export.New(market, store, cfg.Export.Prefix, opts...), nil
}
