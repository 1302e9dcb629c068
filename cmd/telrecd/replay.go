package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtxerr/telrec/internal/journal"
	"github.com/xtxerr/telrec/internal/metrics"
	"github.com/xtxerr/telrec/internal/packet"
	"github.com/xtxerr/telrec/internal/session"
	"github.com/xtxerr/telrec/internal/streamapi"
	"github.com/xtxerr/telrec/internal/streamapi/natsapi"
)

var (
	replayQuiescence time.Duration
	replayOffline    bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <journal-dir>",
	Short: "Re-record the sessions of a packet journal",
	Long: `Feed every session found in a packet journal through the recording pipeline
into the configured store, as if the packets arrived live. Data formats are
resolved through the stream API unless --offline is given.`,
	Example: `  telrecd replay ./journal
  telrecd replay ./journal -c telrec.yaml --quiescence 500ms
  telrecd replay ./journal --offline    # Inline data formats only`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

var journalCmd = &cobra.Command{
	Use:   "journal <journal-dir>",
	Short: "Summarize a packet journal",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournal,
}

func init() {
	replayCmd.Flags().DurationVar(&replayQuiescence, "quiescence", time.Second, "silence window that ends a replayed session")
	replayCmd.Flags().BoolVar(&replayOffline, "offline", false, "do not connect to the stream API for data formats")
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := journal.OpenSource(args[0], cfg.StreamAPI.DataSource)
	if err != nil {
		return err
	}
	keys, _ := src.LiveSessions(ctx)
	if len(keys) == 0 {
		return fmt.Errorf("no sessions in journal %s", args[0])
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	var schema streamapi.SchemaService = journal.InlineSchema{}
	if !replayOffline {
		client, err := natsapi.Connect(ctx, cfg.NATS())
		if err != nil {
			return err
		}
		defer client.Close()
		schema = client
	}

	m := metrics.New()
	opts := cfg.SessionOptions()
	opts.Quiescence = replayQuiescence

	mgr := session.NewManager(session.Deps{
		Backend:        backend,
		Source:         src,
		Sessions:       src,
		Schema:         schema,
		Observer:       m,
		CommitObserver: m,
	}, opts)

	log.Info("replaying journal", "dir", args[0], "sessions", len(keys))
	if err := mgr.Run(ctx); err != nil {
		return err
	}
	if err := src.Wait(ctx); err != nil {
		log.Warn("replay interrupted", "error", err)
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.Quiescence+time.Minute)
	defer cancel()
	closeErr := mgr.CloseAll(closeCtx)

	replayed, failed := src.Stats()
	log.Info("replay finished", "sessions", len(keys), "packets", replayed, "failed", failed)
	return closeErr
}

func runJournal(cmd *cobra.Command, args []string) error {
	paths, err := journal.Segments(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, path := range paths {
		r, err := journal.NewReader(path)
		if err != nil {
			return err
		}
		kinds := make(map[packet.Kind]int)
		pkts, err := r.ReadAll()
		if err != nil {
			r.Close()
			return err
		}
		for _, p := range pkts {
			kinds[packet.ParseKind(p.Type)]++
		}
		st := r.Stats()
		r.Close()

		fmt.Fprintf(out, "%s  records=%d packets=%d corrupt=%d\n",
			filepath.Base(path), st.RecordsRead, st.PacketsRead, st.CorruptRecords)
		for k := packet.KindPeriodicData; k <= packet.KindCoverageCursor; k++ {
			if n := kinds[k]; n > 0 {
				fmt.Fprintf(out, "  %-16s %d\n", k, n)
			}
		}
	}
	return nil
}
