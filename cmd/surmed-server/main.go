package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/davidahmann/surmed/internal/api"
	"github.com/davidahmann/surmed/internal/auth"
	"github.com/davidahmann/surmed/internal/catalog"
	"github.com/davidahmann/surmed/internal/config"
	"github.com/davidahmann/surmed/internal/crypto"
	"github.com/davidahmann/surmed/internal/eligibility"
	"github.com/davidahmann/surmed/internal/errs"
	"github.com/davidahmann/surmed/internal/ledger"
	"github.com/davidahmann/surmed/internal/review"
	"github.com/davidahmann/surmed/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := runFn(os.Args[1:], os.Getenv, listenAndServe, newServer); err != nil {
		fatalf("server error: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf

type envFn func(string) string
type listenFn func(*http.Server) error

// serverFactory builds the server for cfg. cleanup releases what the server
// holds and runs after it stops.
type serverFactory func(ctx context.Context, cfg config.Config, devToken string, logger *slog.Logger) (srv *http.Server, cleanup func(), err error)

func newServer(ctx context.Context, cfg config.Config, devToken string, logger *slog.Logger) (*http.Server, func(), error) {
	store, err := storage.Open(cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing store", slog.Any("err", errs.Loggable(err)))
		}
	}

	added, err := catalog.Seed(ctx, store)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if added > 0 {
		logger.Info("reason codes seeded", slog.Int("added", added))
	}

	rules, err := eligibility.NewFileStore(cfg.RulesPath, logger, eligibility.WithActivityLog(store))
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if cfg.WatchRules {
		go func() {
			if err := rules.Watch(ctx); err != nil {
				logger.Error("rule watcher stopped", slog.Any("err", errs.Loggable(err)))
			}
		}()
	}

	reviewers := make([]auth.Reviewer, 0, len(cfg.Reviewers))
	for _, r := range cfg.Reviewers {
		reviewers = append(reviewers, auth.Reviewer{ID: r.ID, Token: r.Token, Staff: r.Staff})
	}
	authn, err := auth.NewTokenAuthenticator(devToken, reviewers)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	var signer ledger.Signer
	if cfg.SigningKey.KeyID != "" {
		key, err := crypto.LoadSigner(cfg.SigningKey.KeyID, cfg.SigningKey.PrivateKeyPath)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		signer = key
	}

	opts := []review.Option{review.WithLogger(logger)}
	if cfg.MaxAppendAttempts > 0 {
		opts = append(opts, review.WithMaxAppendAttempts(cfg.MaxAppendAttempts))
	}
	svc := review.New(ledger.New(store), rules, opts...)

	h := &api.Handler{Auth: authn, Service: svc, Logger: logger, Signer: signer}
	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}, cleanup, nil
}

func run(args []string, getenv envFn, listen listenFn, factory serverFactory) error {
	fs := flag.NewFlagSet("surmed-server", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to surmed config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(firstNonEmpty(*configPath, getenv("SURMED_CONFIG_PATH")), getenv)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.Logger(os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, cleanup, err := factory(ctx, cfg, getenv("SURMED_DEV_TOKEN"), logger)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	logger.Info("surmed-server listening",
		slog.String("addr", server.Addr),
		slog.String("db_driver", firstNonEmpty(cfg.DB.Driver, "memory")),
		slog.String("rules_path", cfg.RulesPath))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// loadConfig reads the optional config file, then applies environment
// overrides and defaults.
func loadConfig(path string, getenv envFn) (config.Config, error) {
	var cfg config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	cfg.ListenAddr = firstNonEmpty(getenv("SURMED_LISTEN_ADDR"), cfg.ListenAddr, ":8080")
	cfg.RulesPath = firstNonEmpty(getenv("SURMED_RULES_PATH"), cfg.RulesPath, "rules/surmed.yaml")
	cfg.DB.Driver = firstNonEmpty(getenv("SURMED_DB_DRIVER"), cfg.DB.Driver)
	cfg.DB.DSN = firstNonEmpty(getenv("SURMED_DB_DSN"), cfg.DB.DSN)
	return cfg, cfg.Validate()
}

func listenAndServe(server *http.Server) error {
	return server.ListenAndServe()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
