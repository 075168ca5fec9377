// Package main is the entry point for pgvartree, a command-line inspector
// that attaches to a running DAP debug adapter and prints PostgreSQL Node
// trees with runtime types recovered.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ashenBlade/postgres-dev-helper-sub001/internal/backend"
	"github.com/ashenBlade/postgres-dev-helper-sub001/internal/config"
	"github.com/ashenBlade/postgres-dev-helper-sub001/internal/dap"
	"github.com/ashenBlade/postgres-dev-helper-sub001/internal/pgnode"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

var (
	flagAddr     string
	flagBackend  string
	flagDepth    int
	flagTimeout  time.Duration
	flagNodeTags string
	flagConfig   string
	flagVerbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "pgvartree",
	Short: "Inspect PostgreSQL Node trees through a running debug adapter",
	Long: `pgvartree attaches to a DAP debug adapter (cpptools/gdb or CodeLLDB)
that is already debugging a PostgreSQL backend, waits for the debuggee to
stop, and prints the local variables of the top frame as a tree with each
Node pointer's runtime type recovered from its NodeTag.`,
	Version:      version + " (" + commit + ")",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&flagAddr, "addr", "127.0.0.1:4711", "debug adapter address")
	rootCmd.Flags().StringVar(&flagBackend, "backend", "cppdbg", "adapter family: cppdbg or codelldb")
	rootCmd.Flags().IntVar(&flagDepth, "depth", 2, "tree expansion depth")
	rootCmd.Flags().DurationVar(&flagTimeout, "timeout", 30*time.Second, "how long to wait for the debuggee to stop")
	rootCmd.Flags().StringVar(&flagNodeTags, "nodetags", "", "path to a nodetags.h to load tag names from")
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "path to a YAML extension file (aliases, array members)")
	rootCmd.Flags().BoolVar(&flagVerbose, "verbose", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	log, err := newLogger(flagVerbose)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := pgnode.NewTagRegistry()
	specials := pgnode.NewSpecialRegistry()
	if err := loadExtensions(reg, specials, log); err != nil {
		return err
	}

	transport, err := dap.NewSocketTransport(flagAddr)
	if err != nil {
		return fmt.Errorf("connect to adapter at %s: %w", flagAddr, err)
	}
	client := dap.NewClient(transport)
	defer client.Close() //nolint:errcheck

	be, err := newBackend(flagBackend, client)
	if err != nil {
		return err
	}
	session := backend.NewSession(client, be, log)

	stopped := make(chan struct{}, 1)
	client.OnStopped(func(dap.StoppedEventBody) {
		select {
		case stopped <- struct{}{}:
		default:
		}
	})

	if _, err := client.Initialize(ctx, dap.InitializeRequestArguments{
		ClientID:   "pgvartree",
		ClientName: "pgvartree",
		AdapterID:  flagBackend,
	}); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	log.Info("attached", zap.String("addr", flagAddr), zap.String("backend", be.Name()))

	if !session.Stopped() {
		log.Info("waiting for the debuggee to stop", zap.Duration("timeout", flagTimeout))
		waitCtx, waitCancel := context.WithTimeout(ctx, flagTimeout)
		defer waitCancel()
		select {
		case <-stopped:
		case <-waitCtx.Done():
			return fmt.Errorf("debuggee did not stop: %w", waitCtx.Err())
		}
	}

	frameID, err := session.TopFrame(ctx)
	if err != nil {
		return fmt.Errorf("resolve top frame: %w", err)
	}

	tree := pgnode.NewTree(be, session, reg, specials, log)
	vars, err := tree.TopLevel(ctx, frameID)
	if err != nil {
		return fmt.Errorf("read top frame locals: %w", err)
	}

	for _, v := range vars {
		if err := printTree(ctx, cmd, tree, v, 0); err != nil {
			return err
		}
	}
	return nil
}

// printTree prints a variable and its children up to the configured depth.
func printTree(ctx context.Context, cmd *cobra.Command, tree *pgnode.Tree, v *pgnode.Variable, depth int) error {
	fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", strings.Repeat("  ", depth), v.Display())

	if depth >= flagDepth {
		return nil
	}
	children, err := tree.Children(ctx, v)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := printTree(ctx, cmd, tree, c, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// loadExtensions applies the optional nodetags dump and YAML extension file.
// Rejected config records are reported and skipped; the run continues.
func loadExtensions(reg *pgnode.TagRegistry, specials *pgnode.SpecialRegistry, log *zap.Logger) error {
	if flagNodeTags != "" {
		added, err := config.LoadNodeTags(flagNodeTags, reg)
		if err != nil {
			return err
		}
		log.Info("loaded node tags", zap.String("path", flagNodeTags), zap.Int("added", added))
	}

	if flagConfig != "" {
		f, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		for _, recErr := range config.Apply(f, reg, specials, log) {
			log.Warn("skipped config record", zap.Error(recErr))
		}
	}
	return nil
}

func newBackend(name string, client *dap.Client) (backend.Backend, error) {
	switch name {
	case "cppdbg":
		return backend.NewCppDbg(client), nil
	case "codelldb":
		return backend.NewCodeLLDB(client), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want cppdbg or codelldb)", name)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	return cfg.Build()
}
