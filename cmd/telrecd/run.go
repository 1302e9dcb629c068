package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/telrec/internal/journal"
	"github.com/xtxerr/telrec/internal/metrics"
	"github.com/xtxerr/telrec/internal/session"
	"github.com/xtxerr/telrec/internal/streamapi/natsapi"
)

var shutdownTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Record live sessions",
	Long: `Connect to the stream API, start a recording for every live session of the
configured data source and follow session start and stop notifications until
interrupted. On shutdown every open session is drained and closed.`,
	Args: cobra.NoArgs,
	RunE: runRecorder,
}

func init() {
	runCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", time.Minute, "time allowed for draining open sessions on shutdown")
}

func runRecorder(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info("telrecd starting", "version", Version, "data_source", cfg.StreamAPI.DataSource)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	client, err := natsapi.Connect(ctx, cfg.NATS())
	if err != nil {
		return err
	}
	defer client.Close()

	m := metrics.New()
	deps := session.Deps{
		Backend:        backend,
		Source:         client,
		Sessions:       client,
		Schema:         client,
		Observer:       m,
		CommitObserver: m,
	}

	if cfg.Journal.Enabled {
		jw, err := journal.NewWriter(cfg.Journal.Dir, cfg.JournalOptions())
		if err != nil {
			return err
		}
		defer func() {
			if err := jw.Close(); err != nil {
				log.Error("failed to close journal", "error", err)
			}
			st := jw.Stats()
			log.Info("journal closed", "records", st.RecordsWritten, "packets", st.PacketsWritten, "segments", st.SegmentsCreated)
		}()
		deps.Tap = jw
		log.Info("journal enabled", "dir", cfg.Journal.Dir, "sync_mode", cfg.Journal.SyncMode)
	}

	mgr := session.NewManager(deps, cfg.SessionOptions())
	if err := m.RegisterGauge("sessions", "active", "Sessions being recorded", func() float64 {
		return float64(len(mgr.Sessions()))
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return m.Serve(gctx, cfg.Metrics.Listen) })
	}

	runErr := g.Wait()
	log.Info("shutting down", "sessions", len(mgr.Sessions()))

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.CloseAll(closeCtx); err != nil {
		log.Error("failed to close sessions", "error", err)
	}
	return runErr
}
