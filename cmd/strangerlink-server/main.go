package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/strangerlink/signal-server/internal/config"
	"github.com/strangerlink/signal-server/internal/store"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error { return &exitError{code: 2, err: err} }

func main() {
	cmd := newRootCmd()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Every subcommand hands its raw args to
// config.Load, so flags and env vars behave the same everywhere; running
// without a subcommand serves.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:                "strangerlink-server",
		Short:              "Random video chat matchmaking and signaling server",
		Args:               cobra.ArbitraryArgs,
		DisableFlagParsing: true,
		SilenceUsage:       true,
		SilenceErrors:      true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), args)
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:                "serve [flags]",
			Short:              "Run the HTTP and WebSocket server (default)",
			DisableFlagParsing: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context(), args)
			},
		},
		&cobra.Command{
			Use:                "migrate [flags]",
			Short:              "Create the database tables and indexes",
			DisableFlagParsing: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(cmd.Context(), cmd.OutOrStdout(), args)
			},
		},
		&cobra.Command{
			Use:                "stats [flags]",
			Short:              "Print aggregate session statistics from the database",
			DisableFlagParsing: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStats(cmd.Context(), cmd.OutOrStdout(), args)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print build information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				commit, built := resolveBuildInfo(buildCommit, buildTime)
				fmt.Fprintf(cmd.OutOrStdout(), "commit=%s build_time=%s\n", orUnknown(commit), orUnknown(built))
			},
		},
	)
	return root
}

// loadConfig wraps config.Load for the subcommands. A nil config with a nil
// error means help was printed.
func loadConfig(args []string) (*config.Config, error) {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, nil
		}
		return nil, usageError(err)
	}
	return &cfg, nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*store.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, usageError(errors.New("no database configured; set DATABASE_URL or --database-url"))
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
}

func runMigrate(ctx context.Context, out io.Writer, args []string) error {
	cfg, err := loadConfig(args)
	if err != nil || cfg == nil {
		return err
	}
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	pterm.Success.WithWriter(out).Println("schema is up to date")
	return nil
}

func runStats(ctx context.Context, out io.Writer, args []string) error {
	cfg, err := loadConfig(args)
	if err != nil || cfg == nil {
		return err
	}
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	s, err := db.Summary(ctx, 10)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	return renderSummary(out, s)
}

func renderSummary(out io.Writer, s store.Summary) error {
	data := pterm.TableData{
		{"Metric", "Value"},
		{"Chat sessions", strconv.Itoa(s.TotalSessions)},
		{"Open sessions", strconv.Itoa(s.OpenSessions)},
		{"Messages relayed", strconv.Itoa(s.TotalMessages)},
		{"Average duration", (time.Duration(s.AvgDurationSeconds * float64(time.Second))).Round(time.Second).String()},
		{"Online participants", strconv.Itoa(s.OnlineParticipants)},
		{"In chat", strconv.Itoa(s.InChatParticipants)},
	}
	if err := pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(data).Render(); err != nil {
		return err
	}
	if len(s.TopCountries) == 0 {
		return nil
	}

	countries := pterm.TableData{{"Country", "Participants"}}
	for _, c := range s.TopCountries {
		countries = append(countries, []string{c.Country, strconv.Itoa(c.Count)})
	}
	fmt.Fprintln(out)
	return pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(countries).Render()
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info for
	// `go run` / dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
