package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/schaermu/subsync/internal/cache"
	"github.com/schaermu/subsync/internal/config"
	"github.com/schaermu/subsync/internal/git"
	"github.com/schaermu/subsync/internal/ledger"
	"github.com/schaermu/subsync/internal/resolve"
	"github.com/schaermu/subsync/internal/superproject"
	"github.com/schaermu/subsync/internal/sync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
	offline   bool
	noStage   bool
)

// exitError carries a non-zero exit code for an outcome that was already reported
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and maps its outcome to an exit code
func run(args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.Execute()
	if err == nil {
		return sync.ExitOK
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	_, _ = fmt.Fprintln(stderr, errorStyle.Render("Error:"), err)
	return sync.ExitFailure
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "subsync",
		Short: "Vendor git subprojects as plain files",
		Long: `subsync embeds external git repositories ("subprojects") into a superproject
as ordinary files, pinned to a recorded revision.

The ledger file at the superproject root records where each subproject came
from and which upstream content was last synchronized. Updates apply upstream
changes while preserving local edits; files changed on both sides are
reported as conflicts and never overwritten.

Exit codes: 0 on success, 1 on failure, 2 when conflicts remain.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/subsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json, pretty)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	rootCmd.PersistentFlags().BoolVar(&noStage, "no-stage", false, "do not stage changes in the superproject")

	// Add commands
	rootCmd.AddCommand(newAddCmd())
	rootCmd.AddCommand(newUpdateCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newDiffCmd())
	rootCmd.AddCommand(newRemoveCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newResolveCmd())
	rootCmd.AddCommand(newChecksumCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "subsync %s\n", version)
			_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
			_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogger builds the logger selected by --log-level and --log-format.
// Logs go to w so that command output on stdout stays machine readable.
func setupLogger(w io.Writer) *slog.Logger {
	level := parseLevel(logLevel)

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch logFormat {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "pretty":
		handler = log.NewWithOptions(w, log.Options{
			Level:           log.Level(level),
			ReportTimestamp: true,
			Prefix:          "subsync",
		})
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// loadConfig loads --config, or the default config file when it exists
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		defaultPath, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			logger.Debug("no configuration file, using defaults", "path", defaultPath)
			return config.Default(), nil
		}
		configPath = defaultPath
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"ledger", cfg.Ledger.File,
		"cache_dir", cfg.Cache.Dir,
		"git_backend", cfg.Git.Backend,
		"auth", cfg.AuthMethod())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}

// app bundles what every command needs
type app struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
	sp      *superproject.Superproject
	engine  *sync.Engine
	cleanup []func()
}

func (a *app) close() {
	for _, fn := range a.cleanup {
		fn()
	}
	a.cancel()
}

// setup loads configuration, discovers the superproject and wires the engine
func setup(cmd *cobra.Command) (*app, error) {
	ctx, cancel := setupSignalHandler()
	a := &app{ctx: ctx, cancel: cancel, logger: setupLogger(cmd.ErrOrStderr())}

	cfg, err := loadConfig(a.logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	sp, err := superproject.Find(cwd, cfg.Ledger.File)
	if errors.Is(err, superproject.ErrNotFound) {
		a.logger.Debug("no superproject found, using working directory", "dir", cwd)
		sp, err = superproject.Plain(cwd, cfg.Ledger.File)
	}
	if err != nil {
		a.close()
		return nil, err
	}
	a.sp = sp

	l, err := ledger.Load(sp.LedgerFile)
	if err != nil {
		a.close()
		return nil, err
	}

	var store *cache.Store
	if cfg.CacheEnabled() {
		store = cache.New(cfg.Cache.Dir)
	}
	client, err := a.gitClient(cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	a.engine = sync.NewEngine(sp, l, resolve.New(client, store, a.logger), sp.VCS(), a.logger, sync.Options{
		Parallelism: cfg.Sync.Parallelism,
		DryRun:      dryRun,
		Offline:     offline,
		Stage:       cfg.StageEnabled() && !noStage,
	})

	a.logger.Debug("superproject",
		"root", sp.Root,
		"ledger", sp.LedgerFile,
		"git", sp.HasGit,
		"subprojects", len(l.Paths()))
	return a, nil
}

// gitClient creates the git backend selected in the configuration
func (a *app) gitClient(cfg *config.Config) (git.Client, error) {
	switch cfg.Git.Backend {
	case config.BackendGoGit:
		return git.NewGoGitClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	default:
		mirrorRoot := cfg.MirrorDir()
		if !cfg.CacheEnabled() {
			tmp, err := os.MkdirTemp("", "subsync-mirrors-*")
			if err != nil {
				return nil, fmt.Errorf("failed to create mirror directory: %w", err)
			}
			a.cleanup = append(a.cleanup, func() { _ = os.RemoveAll(tmp) })
			mirrorRoot = tmp
		}
		return git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile, func(url string) string {
			return filepath.Join(mirrorRoot, cache.URLKey(url))
		}), nil
	}
}

// relPaths converts command line paths into superproject relative paths
func (a *app) relPaths(args []string) ([]string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(args))
	for _, arg := range args {
		p, err := a.sp.Rel(cwd, strings.TrimSuffix(arg, "/"))
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// exitWith turns a non-zero exit code into an error for cobra
func exitWith(code int) error {
	if code == sync.ExitOK {
		return nil
	}
	return &exitError{code: code}
}
