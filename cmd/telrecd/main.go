// telrecd records telemetry sessions from the stream API into a session store.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/xtxerr/telrec/internal/config"
	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/logging"
	"github.com/xtxerr/telrec/internal/store"
	"github.com/xtxerr/telrec/internal/store/duckstore"
	"github.com/xtxerr/telrec/internal/store/memstore"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("telrecd")

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "telrecd",
	Short: "Telemetry session recorder",
	Long: `telrecd consumes telemetry session streams, registers their channel
configuration and writes normalized samples into a session store.

Examples:
  telrecd run -c telrec.yaml             # Record live sessions
  telrecd replay ./journal               # Re-record a packet journal
  telrecd journal ./journal              # Summarize a packet journal`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "telrec.yaml", "config file path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(journalCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "telrecd:", err)
		os.Exit(1)
	}
}

// loadConfig loads the config file, falling back to defaults when it does
// not exist, and initializes logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	switch {
	case err == nil:
		cfg.ResolvePaths(filepath.Dir(cfgPath))
	case errors.Is(err, os.ErrNotExist):
		cfg = config.DefaultConfig()
	default:
		return nil, err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logging.InitWriter(os.Stderr, level, jsonLogs(cfg.Log.Format))
	return cfg, nil
}

func jsonLogs(format string) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	}
	return !term.IsTerminal(int(os.Stderr.Fd()))
}

func openBackend(cfg *config.Config) (store.Backend, error) {
	switch cfg.Store.Driver {
	case "memory":
		log.Warn("using in-memory store, recorded sessions are lost on exit")
		return memstore.New(), nil
	default:
		b, err := duckstore.Open(cfg.DuckDB())
		if err != nil {
			return nil, err
		}
		log.Info("store opened", slog.String("dsn", cfg.Store.DSN), slog.String("archive_dir", cfg.Store.ArchiveDir))
		return b, nil
	}
}
