// Command confsync mirrors configuration rows from a SQL backend into local
// files.
//
// Logging:
//   - Base logger is created once the settings are known
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
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
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"confsync/internal/agent"
	"confsync/internal/home"
	"confsync/internal/logging"
	"confsync/internal/remote/sqlstore"
	"confsync/internal/settings"
)

var version = "dev"

// env is what every subcommand needs, resolved in PersistentPreRunE.
type env struct {
	home     home.Dir
	settings settings.Settings
	logger   *slog.Logger
	logFile  io.Closer
}

func main() {
	if err := newRootCmd(&env{}).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(e *env) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "confsync",
		Short:         "Mirror remote configuration rows into local files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.logFile != nil {
				_ = e.logFile.Close()
			}
		},
	}

	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")
	rootCmd.PersistentFlags().String("config", "", "settings file (default: <home>/confsync.yml)")
	rootCmd.PersistentFlags().String("driver", "", "backend driver: mysql or sqlite")
	rootCmd.PersistentFlags().String("dsn", "", "backend data source name")
	rootCmd.PersistentFlags().String("conf-dir", "", "materialization root (default: <home>/conf)")
	rootCmd.PersistentFlags().String("log-level", "", "default log level: debug, info, warn, error")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync agent until interrupted",
		Long:  "Run the sync agent until SIGINT or SIGTERM. SIGHUP triggers an immediate sync.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), e)
		},
	}

	onceCmd := &cobra.Command{
		Use:   "once",
		Short: "Sync once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return once(cmd.Context(), e)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the backend tables (sqlite only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := e.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			return st.Migrate(cmd.Context())
		},
	}

	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := e.settings.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(runCmd, onceCmd, migrateCmd, settingsCmd, newItemCmd(e), newDocCmd(e), versionCmd)
	return rootCmd
}

// load resolves the home directory, reads the settings file, applies flag
// overrides, and builds the logger.
func (e *env) load(cmd *cobra.Command) error {
	flags := cmd.Flags()
	homeFlag, _ := flags.GetString("home")
	hd, err := resolveHome(homeFlag)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	e.home = hd

	path, _ := flags.GetString("config")
	if path == "" {
		path = hd.SettingsPath()
	}
	s, err := settings.Load(path)
	if err != nil {
		return err
	}
	if flags.Changed("driver") {
		s.Remote.Driver, _ = flags.GetString("driver")
	}
	if flags.Changed("dsn") {
		s.Remote.DSN, _ = flags.GetString("dsn")
	}
	if flags.Changed("conf-dir") {
		s.ConfDir, _ = flags.GetString("conf-dir")
	}
	if flags.Changed("log-level") {
		s.Log.Level, _ = flags.GetString("log-level")
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid settings %s: %w", path, err)
	}
	e.settings = s

	e.logger, e.logFile, err = newLogger(s.Log, hd)
	return err
}

// newLogger builds the base text logger behind a ComponentFilterHandler.
// When a log file is configured, output also goes to a rotating file.
func newLogger(cfg settings.Log, hd home.Dir) (*slog.Logger, io.Closer, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = os.Stderr
	var closer io.Closer
	if cfg.File != "" {
		path := cfg.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(filepath.Dir(hd.LogPath()), path)
		}
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, lj)
		closer = lj
	}

	baseHandler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug, // Allow all levels; filtering done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, level)
	for component, name := range cfg.Components {
		lv, err := logging.ParseLevel(name)
		if err != nil {
			return nil, nil, err
		}
		filterHandler.SetLevel(component, lv)
	}
	return slog.New(filterHandler), closer, nil
}

func run(ctx context.Context, e *env) error {
	logger := e.logger
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("home directory", "path", e.home.Root())
	a, err := agent.New(ctx, agent.Config{Settings: e.settings, Home: e.home, Logger: logger})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return errors.Join(err, a.Stop())
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				logger.Info("SIGHUP received, syncing now")
				a.TriggerSync()
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down agent")
		if err := a.Stop(); err != nil {
			return err
		}
		logger.Info("shutdown complete")
		return nil
	})
	return g.Wait()
}

func once(ctx context.Context, e *env) error {
	a, err := agent.New(ctx, agent.Config{Settings: e.settings, Home: e.home, Logger: e.logger})
	if err != nil {
		return err
	}
	sum, syncErr := a.SyncOnce(ctx)
	stopErr := a.Stop()

	e.logger.Info("sync complete",
		"document_written", sum.Document,
		"items", sum.Items.Remote,
		"applied", len(sum.Items.Applied),
		"deleted", len(sum.Items.Deleted),
		"failed", len(sum.Items.Failed))
	return errors.Join(syncErr, stopErr)
}

func (e *env) openStore(ctx context.Context) (*sqlstore.Store, error) {
	r := e.settings.Remote
	return sqlstore.Open(ctx, sqlstore.Config{
		Driver:        r.Driver,
		DSN:           r.DSN,
		DocumentTable: r.DocumentTable,
		ItemTable:     r.ItemTable,
		QueryTimeout:  r.QueryTimeout,
		Logger:        e.logger,
	})
}

// resolveHome returns a Dir from the flag value, or the platform default.
func resolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}
