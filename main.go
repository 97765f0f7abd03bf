package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"library-catalog/config"
	"library-catalog/library"
)

// app carries the settings resolved by the root command into subcommands.
type app struct {
	envFile string
	driver  string
	dsn     string
	asJSON  bool

	cfg config.Config
	log *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "library-catalog",
		Short: "Manage a library catalog and its circulation counters",
		Long: `library-catalog keeps the inventory of a small library: titles, copy
counts, loans and cover images. Run "serve" for the HTTP API or use the
book, loans and cover commands directly against the database.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.envFile)
			if err != nil {
				return err
			}
			if a.driver != "" {
				cfg.DBDriver = a.driver
			}
			if a.dsn != "" {
				cfg.DBDSN = a.dsn
			}
			a.cfg = cfg
			a.log = cfg.Logger()
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file with LIBRARY_* settings")
	flags.StringVar(&a.driver, "driver", "", "database driver: sqlite or postgres (overrides LIBRARY_DB_DRIVER)")
	flags.StringVar(&a.dsn, "dsn", "", "database path or connection string (overrides LIBRARY_DB_DSN)")
	flags.BoolVar(&a.asJSON, "json", false, "print JSON even on a terminal")

	root.AddCommand(
		a.serveCmd(),
		a.bookCmd(),
		a.loansCmd(),
		a.coverCmd(),
	)
	return root
}

// open connects to the configured catalog.
func (a *app) open(ctx context.Context) (*library.LibraryManager, error) {
	mgr, err := library.NewLibraryManager(ctx, library.Options{
		Driver:     a.cfg.DBDriver,
		DSN:        a.cfg.DBDSN,
		LoanPeriod: a.cfg.LoanPeriod,
		Logger:     a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", a.cfg.DBDriver, err)
	}
	return mgr, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
