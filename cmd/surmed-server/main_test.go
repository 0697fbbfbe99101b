package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/davidahmann/surmed/internal/config"
)

const testRules = "../../rules/surmed.yaml"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewServer(t *testing.T) {
	cfg := config.Config{
		ListenAddr: "127.0.0.1:9999",
		RulesPath:  testRules,
		Reviewers:  []config.ReviewerConfig{{ID: "reviewer-1", Token: "r1"}},
	}
	srv, cleanup, err := newServer(context.Background(), cfg, "dev-token", discardLogger())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer cleanup()
	if srv.Addr != cfg.ListenAddr {
		t.Fatalf("expected addr %s, got %s", cfg.ListenAddr, srv.Addr)
	}

	for token, want := range map[string]int{"dev-token": http.StatusOK, "r1": http.StatusOK, "": http.StatusUnauthorized} {
		req := httptest.NewRequest(http.MethodGet, "/v1/reason-codes", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		res := httptest.NewRecorder()
		srv.Handler.ServeHTTP(res, req)
		if res.Code != want {
			t.Fatalf("token %q: expected %d, got %d", token, want, res.Code)
		}
	}
}

func TestNewServerSQLite(t *testing.T) {
	cfg := config.Config{
		ListenAddr: ":0",
		RulesPath:  testRules,
		DB:         config.DBConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "surmed.db")},
	}
	_, cleanup, err := newServer(context.Background(), cfg, "", discardLogger())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	cleanup()
}

func TestNewServerErrors(t *testing.T) {
	cases := map[string]struct {
		cfg      config.Config
		devToken string
	}{
		"missing rules": {cfg: config.Config{ListenAddr: ":0", RulesPath: "missing.yaml"}},
		"token reuse": {
			cfg:      config.Config{ListenAddr: ":0", RulesPath: testRules, Reviewers: []config.ReviewerConfig{{ID: "a", Token: "same"}}},
			devToken: "same",
		},
		"missing key": {cfg: config.Config{ListenAddr: ":0", RulesPath: testRules, SigningKey: config.SigningKeyConfig{KeyID: "k", PrivateKeyPath: "missing.key"}}},
	}
	for name, tc := range cases {
		if _, _, err := newServer(context.Background(), tc.cfg, tc.devToken, discardLogger()); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestRunDefaults(t *testing.T) {
	factory := func(_ context.Context, cfg config.Config, devToken string, _ *slog.Logger) (*http.Server, func(), error) {
		if cfg.ListenAddr != ":8080" {
			t.Fatalf("expected default addr, got %s", cfg.ListenAddr)
		}
		if cfg.RulesPath != "rules/surmed.yaml" {
			t.Fatalf("expected default rules path, got %s", cfg.RulesPath)
		}
		if cfg.DB.Driver != "" || devToken != "" {
			t.Fatalf("expected memory store and no dev token")
		}
		return &http.Server{Addr: cfg.ListenAddr}, nil, nil
	}

	listen := func(_ *http.Server) error {
		return http.ErrServerClosed
	}

	getenv := func(string) string { return "" }
	if err := run(nil, getenv, listen, factory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunError(t *testing.T) {
	listenErr := errors.New("listen failed")
	listen := func(_ *http.Server) error {
		return listenErr
	}

	cleaned := false
	factory := func(_ context.Context, cfg config.Config, _ string, _ *slog.Logger) (*http.Server, func(), error) {
		return &http.Server{Addr: cfg.ListenAddr}, func() { cleaned = true }, nil
	}

	getenv := func(key string) string {
		if key == "SURMED_LISTEN_ADDR" {
			return "127.0.0.1:1234"
		}
		return ""
	}

	if err := run(nil, getenv, listen, factory); !errors.Is(err, listenErr) {
		t.Fatalf("expected listen error, got %v", err)
	}
	if !cleaned {
		t.Fatalf("expected cleanup to run")
	}
}

func TestRunFactoryError(t *testing.T) {
	factory := func(context.Context, config.Config, string, *slog.Logger) (*http.Server, func(), error) {
		return nil, nil, errors.New("no store")
	}
	listen := func(*http.Server) error {
		t.Fatalf("listen must not be called")
		return nil
	}
	if err := run(nil, func(string) string { return "" }, listen, factory); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunLoadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "surmed.yaml")
	body := "listen_addr: \":9999\"\nrules_path: \"./rules/custom.yaml\"\ndb:\n  driver: sqlite\n  dsn: \"${SURMED_TEST_DSN}\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SURMED_TEST_DSN", filepath.Join(dir, "from-file.db"))

	factory := func(_ context.Context, cfg config.Config, devToken string, _ *slog.Logger) (*http.Server, func(), error) {
		if cfg.ListenAddr != ":9999" {
			t.Fatalf("expected addr from config, got %s", cfg.ListenAddr)
		}
		if cfg.RulesPath != "./rules/custom.yaml" {
			t.Fatalf("expected rules path from config, got %s", cfg.RulesPath)
		}
		if cfg.DB.DSN != "override.db" {
			t.Fatalf("expected dsn from env override, got %s", cfg.DB.DSN)
		}
		if devToken != "dev" {
			t.Fatalf("expected dev token from env, got %q", devToken)
		}
		return &http.Server{Addr: cfg.ListenAddr}, nil, nil
	}

	listen := func(_ *http.Server) error { return http.ErrServerClosed }
	getenv := func(key string) string {
		switch key {
		case "SURMED_CONFIG_PATH":
			return path
		case "SURMED_DB_DSN":
			return "override.db"
		case "SURMED_DEV_TOKEN":
			return "dev"
		}
		return ""
	}

	if err := run(nil, getenv, listen, factory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	factory := func(context.Context, config.Config, string, *slog.Logger) (*http.Server, func(), error) {
		t.Fatalf("factory must not be called")
		return nil, nil, nil
	}
	getenv := func(key string) string {
		if key == "SURMED_DB_DRIVER" {
			return "sqlite"
		}
		return ""
	}
	if err := run(nil, getenv, func(*http.Server) error { return nil }, factory); err == nil {
		t.Fatalf("expected error for sqlite without dsn")
	}
	if err := run([]string{"-config", "/does/not/exist.yaml"}, func(string) string { return "" }, func(*http.Server) error { return nil }, factory); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "a", "b"); got != "a" {
		t.Fatalf("expected a, got %s", got)
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Fatalf("expected empty, got %s", got)
	}
}

func TestListenAndServeInvalidAddr(t *testing.T) {
	err := listenAndServe(&http.Server{Addr: "127.0.0.1"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestMainNoError(t *testing.T) {
	oldRun := runFn
	oldFatal := fatalf
	defer func() {
		runFn = oldRun
		fatalf = oldFatal
	}()

	runFn = func([]string, envFn, listenFn, serverFactory) error {
		return nil
	}

	called := false
	fatalf = func(string, ...any) {
		called = true
	}

	main()
	if called {
		t.Fatalf("unexpected fatal call")
	}
}

func TestMainError(t *testing.T) {
	oldRun := runFn
	oldFatal := fatalf
	defer func() {
		runFn = oldRun
		fatalf = oldFatal
	}()

	runFn = func([]string, envFn, listenFn, serverFactory) error {
		return errors.New("boom")
	}

	called := false
	fatalf = func(string, ...any) {
		called = true
	}

	main()
	if !called {
		t.Fatalf("expected fatal call")
	}
}
