package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/davidahmann/surmed/internal/catalog"
	"github.com/davidahmann/surmed/internal/config"
	"github.com/davidahmann/surmed/internal/crypto"
	"github.com/davidahmann/surmed/internal/eligibility"
	"github.com/davidahmann/surmed/internal/export"
	"github.com/davidahmann/surmed/internal/intake"
	"github.com/davidahmann/surmed/internal/ledger"
	"github.com/davidahmann/surmed/internal/storage"
	"github.com/davidahmann/surmed/pkg/types"
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

// usageError marks errors in how the command was invoked.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageError{fmt.Errorf("%s requires %d argument(s), got %d", cmd.CommandPath(), n, len(args))}
		}
		return nil
	}
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	root := newRootCmd(stdout)
	root.SetArgs(args[1:])
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintln(stderr, "run 'surmed --help' for usage")
			return exitUsage
		}
		return exitFail
	}
	return exitOK
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "surmed",
		Short:         "Donated medical supply review tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return usageError{errors.New("a subcommand is required")}
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	root.AddCommand(
		newRulesCmd(stdout),
		newEvaluateCmd(stdout),
		newVerifyCmd(stdout),
		newExportCmd(stdout),
		newSeedCmd(stdout),
		newActivityCmd(stdout),
	)
	return root
}

func newRulesCmd(stdout io.Writer) *cobra.Command {
	rules := &cobra.Command{Use: "rules", Short: "Inspect eligibility rule sets"}
	rules.AddCommand(&cobra.Command{
		Use:   "lint <rules.yaml>",
		Short: "Validate a rule set file and print its hash",
		Args:  exactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			loaded, err := eligibility.LoadRuleSet(args[0])
			if err != nil {
				return err
			}
			active := 0
			for _, r := range loaded.RuleSet.Rules {
				if r.IsActive() {
					active++
				}
			}
			fmt.Fprintf(stdout, "ok rule_set_id=%s version=%s rules=%d active=%d hash=%s\n",
				loaded.RuleSet.RuleSetID, loaded.RuleSet.Version, len(loaded.RuleSet.Rules), active, loaded.Hash)
			return nil
		},
	})
	return rules
}

func newEvaluateCmd(stdout io.Writer) *cobra.Command {
	var rulesPath, at string
	cmd := &cobra.Command{
		Use:   "evaluate <submission.json>...",
		Short: "Assess submission requests against a rule set without recording anything",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return usageError{fmt.Errorf("%s requires at least one submission file", cmd.CommandPath())}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			evaluatedAt := time.Now().UTC()
			if at != "" {
				parsed, err := time.Parse(types.DateLayout, at)
				if err != nil {
					return usageError{fmt.Errorf("--at must be YYYY-MM-DD: %w", err)}
				}
				evaluatedAt = parsed
			}
			loaded, err := eligibility.LoadRuleSet(rulesPath)
			if err != nil {
				return err
			}

			subs := make([]types.Submission, 0, len(args))
			for _, path := range args {
				sub, err := readSubmission(path, evaluatedAt)
				if err != nil {
					return err
				}
				subs = append(subs, sub)
			}
			assessments, err := eligibility.EvaluateAll(cmd.Context(), subs, loaded.RuleSet, evaluatedAt)
			if err != nil {
				return err
			}
			return writeIndented(stdout, assessments)
		},
	}
	cmd.Flags().StringVar(&rulesPath, "rules", envOr("SURMED_RULES_PATH", "rules/surmed.yaml"), "rule set file")
	cmd.Flags().StringVar(&at, "at", "", "evaluation date (YYYY-MM-DD, default today)")
	return cmd
}

func readSubmission(path string, now time.Time) (types.Submission, error) {
	// #nosec G304 -- operator-provided input file.
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.Submission{}, err
	}
	var req intake.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return types.Submission{}, fmt.Errorf("%s: %w", path, err)
	}
	sub, err := intake.Build(intake.NewSubmissionID(now), req, "cli", now)
	if err != nil {
		return types.Submission{}, fmt.Errorf("%s: %w", path, err)
	}
	return sub, nil
}

// dbFlags selects the store for commands that read or write the ledger.
type dbFlags struct {
	configPath string
	driver     string
	dsn        string
}

func (f *dbFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.configPath, "config", os.Getenv("SURMED_CONFIG_PATH"), "server config file")
	cmd.Flags().StringVar(&f.driver, "driver", os.Getenv("SURMED_DB_DRIVER"), "sqlite or postgres")
	cmd.Flags().StringVar(&f.dsn, "dsn", os.Getenv("SURMED_DB_DSN"), "database DSN")
}

func (f *dbFlags) load() (config.Config, error) {
	var cfg config.Config
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if f.driver != "" {
		cfg.DB.Driver = f.driver
	}
	if f.dsn != "" {
		cfg.DB.DSN = f.dsn
	}
	if cfg.DB.Driver == "" || cfg.DB.Driver == "memory" {
		return config.Config{}, usageError{errors.New("a persistent store is required: pass --driver and --dsn or --config")}
	}
	if cfg.DB.DSN == "" {
		return config.Config{}, usageError{fmt.Errorf("--dsn is required for driver %s", cfg.DB.Driver)}
	}
	return cfg, nil
}

func (f *dbFlags) open() (storage.Store, config.Config, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, config.Config{}, err
	}
	s, err := storage.Open(cfg.DB)
	if err != nil {
		return nil, config.Config{}, err
	}
	return s, cfg, nil
}

func newVerifyCmd(stdout io.Writer) *cobra.Command {
	var db dbFlags
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the decision chain and report the first divergence",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := db.open()
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := ledger.New(store).Verify(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				if err := writeIndented(stdout, res); err != nil {
					return err
				}
				return res.Err()
			}
			if !res.Valid {
				return res.Err()
			}
			fmt.Fprintf(stdout, "ok entries=%d tail=%s\n", res.Checked, res.TailHash)
			return nil
		},
	}
	db.register(cmd)
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the verification result as JSON")
	return cmd
}

func newExportCmd(stdout io.Writer) *cobra.Command {
	var db dbFlags
	var format, out, keyID, keyPath, actor string
	var filter export.Filter
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Render the verified ledger as csv, pdf or a zip audit bundle",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := filter.Validate(); err != nil {
				return usageError{err}
			}
			store, cfg, err := db.open()
			if err != nil {
				return err
			}
			defer store.Close()

			in, err := exportInput(cmd.Context(), store, filter)
			if err != nil {
				return err
			}
			if keyID == "" && keyPath == "" {
				keyID, keyPath = cfg.SigningKey.KeyID, cfg.SigningKey.PrivateKeyPath
			}
			if keyID != "" || keyPath != "" {
				if keyID == "" || keyPath == "" {
					return usageError{errors.New("--key-id and --key must be given together")}
				}
				signer, err := crypto.LoadSigner(keyID, keyPath)
				if err != nil {
					return err
				}
				in.Signer = signer
			}

			var body []byte
			switch format {
			case export.FormatCSV, export.FormatPDF:
				var buf bytes.Buffer
				if format == export.FormatCSV {
					err = export.WriteCSV(&buf, in)
				} else {
					err = export.WritePDF(&buf, in)
				}
				body = buf.Bytes()
			case export.FormatZip:
				body, err = export.BuildZip(in)
			default:
				return usageError{fmt.Errorf("--format must be csv, pdf or zip, got %q", format)}
			}
			if err != nil {
				return err
			}
			rows, err := in.Rows()
			if err != nil {
				return err
			}

			if out == "" || out == "-" {
				_, err = stdout.Write(body)
			} else {
				err = os.WriteFile(out, body, 0o600)
			}
			if err != nil {
				return err
			}
			return store.AppendActivity(cmd.Context(), export.ActivityFor("act_"+uuid.NewString(), actor, format, filter, len(rows), time.Now()))
		},
	}
	db.register(cmd)
	cmd.Flags().StringVar(&format, "format", export.FormatCSV, "csv, pdf or zip")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	cmd.Flags().StringVar(&filter.From, "from", "", "first decision date, inclusive (YYYY-MM-DD)")
	cmd.Flags().StringVar(&filter.To, "to", "", "last decision date, inclusive (YYYY-MM-DD)")
	cmd.Flags().StringVar((*string)(&filter.Type), "type", "", "accept, needs_review or reject")
	cmd.Flags().StringVar(&filter.Search, "search", "", "keep rows whose item, reviewer, reason or text contains this")
	cmd.Flags().StringVar(&actor, "actor", envOr("SURMED_ACTOR", "cli"), "name recorded in the activity log")
	cmd.Flags().StringVar(&keyID, "key-id", "", "checkpoint signing key id")
	cmd.Flags().StringVar(&keyPath, "key", "", "checkpoint signing key file")
	return cmd
}

func exportInput(ctx context.Context, store ledger.Store, filter export.Filter) (export.Input, error) {
	entries, err := ledger.New(store).Entries(ctx)
	if err != nil {
		return export.Input{}, err
	}
	subs, err := store.ListSubmissions(ctx)
	if err != nil {
		return export.Input{}, err
	}
	byID := make(map[string]types.Submission, len(subs))
	for _, sub := range subs {
		byID[sub.SubmissionID] = sub
	}
	return export.Input{Entries: entries, Submissions: byID, Filter: filter, GeneratedAt: time.Now().UTC()}, nil
}

func newActivityCmd(stdout io.Writer) *cobra.Command {
	var db dbFlags
	var action string
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Print the activity log as JSON lines, oldest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := db.open()
			if err != nil {
				return err
			}
			defer store.Close()

			log, err := store.ListActivity(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(stdout)
			enc.SetEscapeHTML(false)
			for _, a := range log {
				if action != "" && string(a.Action) != action {
					continue
				}
				if err := enc.Encode(a); err != nil {
					return err
				}
			}
			return nil
		},
	}
	db.register(cmd)
	cmd.Flags().StringVar(&action, "action", "", "only print entries with this action")
	return cmd
}

func newSeedCmd(stdout io.Writer) *cobra.Command {
	var db dbFlags
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Add the default reason codes that are missing from the store",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := db.open()
			if err != nil {
				return err
			}
			defer store.Close()

			added, err := catalog.Seed(cmd.Context(), store)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "seeded %d of %d reason codes\n", added, len(catalog.ReasonCodes()))
			return nil
		},
	}
	db.register(cmd)
	return cmd
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
