package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sensefleet/snowstream/internal/auth"
	"github.com/sensefleet/snowstream/internal/channel"
	"github.com/sensefleet/snowstream/internal/config"
	"github.com/sensefleet/snowstream/internal/discovery"
	"github.com/sensefleet/snowstream/internal/journal"
	"github.com/sensefleet/snowstream/internal/logging"
	"github.com/sensefleet/snowstream/internal/sensor"
	"github.com/sensefleet/snowstream/internal/stats"
	"github.com/sensefleet/snowstream/internal/stream"
)

var streamFlags struct {
	configPath      string
	batchSize       int
	batchInterval   time.Duration
	readingInterval time.Duration
	maxBatches      int
	journalPath     string
	metricsAddr     string
	waitCommit      bool
	commitTimeout   time.Duration
}

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Open a channel and stream sensor batches until interrupted",
	Long: `Open a uniquely named streaming channel and send batches of sensor
readings on a fixed cadence until interrupted or --max-batches is
reached. A failed batch is dropped and counted; the channel stays open
and the next batch reuses the same offset.`,
	RunE: runStream,
}

func init() {
	rootCmd.AddCommand(streamCmd)

	streamCmd.Flags().StringVar(&streamFlags.configPath, "config", getEnv("SNOWSTREAM_CONFIG", "snowflake-config.json"), "path to the connection config file")
	streamCmd.Flags().IntVar(&streamFlags.batchSize, "batch-size", getEnvInt("SNOWSTREAM_BATCH_SIZE", 10), "readings per batch")
	streamCmd.Flags().DurationVar(&streamFlags.batchInterval, "interval", getEnvDuration("SNOWSTREAM_INTERVAL", 5*time.Second), "delay between batches")
	streamCmd.Flags().DurationVar(&streamFlags.readingInterval, "reading-interval", getEnvDuration("SNOWSTREAM_READING_INTERVAL", 500*time.Millisecond), "delay between readings within a batch")
	streamCmd.Flags().IntVar(&streamFlags.maxBatches, "max-batches", getEnvInt("SNOWSTREAM_MAX_BATCHES", 0), "stop after this many batches (0 = run until interrupted)")
	streamCmd.Flags().StringVar(&streamFlags.journalPath, "journal", getEnv("SNOWSTREAM_JOURNAL", "snowstream.db"), "event journal path (empty to disable)")
	streamCmd.Flags().StringVar(&streamFlags.metricsAddr, "metrics-addr", getEnv("SNOWSTREAM_METRICS_ADDR", ""), "address for the prometheus /metrics listener (empty to disable)")
	streamCmd.Flags().BoolVar(&streamFlags.waitCommit, "wait-commit", false, "wait for the final offset to commit server-side before exiting")
	streamCmd.Flags().DurationVar(&streamFlags.commitTimeout, "commit-timeout", 30*time.Second, "how long to wait for the final commit")
}

func runStream(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(streamFlags.configPath)
	if err != nil {
		return err
	}

	var events *journal.Journal
	if streamFlags.journalPath != "" {
		events, err = journal.Open(streamFlags.journalPath, logger.Named("journal"))
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer events.Close()
	}

	provider, err := auth.NewProvider(cfg, logger.Named("auth"))
	if err != nil {
		return err
	}
	resolver := discovery.NewResolver(cfg.URL, provider, logger.Named("discovery"))

	st := stats.New()
	session := channel.NewSession(cfg, resolver, provider, st, logger.Named("channel"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting stream",
		logging.Pipe(cfg.Database, cfg.Schema, cfg.Pipe),
		logging.Channel(session.Name()),
		zap.String("auth_mode", string(cfg.Mode())),
	)

	if err := session.Open(ctx); err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer session.Close()
	if events != nil {
		events.Record(session.Name(), journal.EventChannelOpened, fmt.Sprintf("offset=%d", session.Offset()))
	}

	var metricsServer *http.Server
	if streamFlags.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", st.Handler())

		metricsErrLog, _ := zap.NewStdLogAt(logger.Named("metrics"), zapcore.ErrorLevel)
		metricsServer = &http.Server{
			Addr:              streamFlags.metricsAddr,
			Handler:           mux,
			ErrorLog:          metricsErrLog,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			logger.Info("starting metrics server", zap.String("addr", streamFlags.metricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	source := sensor.NewSimulated(logger.Named("sensor"))
	loop := stream.New(stream.Config{
		BatchSize:       streamFlags.batchSize,
		ReadingInterval: streamFlags.readingInterval,
		BatchInterval:   streamFlags.batchInterval,
		MaxBatches:      streamFlags.maxBatches,
	}, source, session, st, recorderOrNil(events), logger.Named("stream"))

	if err := loop.Run(ctx); err != nil {
		return err
	}

	// Shutdown work below must not be cut short by the signal that
	// stopped the loop.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), streamFlags.commitTimeout+10*time.Second)
	defer cancel()

	if streamFlags.waitCommit && session.Offset() > 0 {
		committed := session.WaitForCommit(shutdownCtx, session.Offset(), streamFlags.commitTimeout, 2*time.Second)
		if events != nil && committed {
			events.Record(session.Name(), journal.EventCommitConfirmed, fmt.Sprintf("offset=%d", session.Offset()))
		}
	}

	if events != nil {
		events.Record(session.Name(), journal.EventShutdown, fmt.Sprintf("offset=%d", session.Offset()))
	}
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}

	return nil
}

// recorderOrNil avoids handing the loop a typed nil interface when the
// journal is disabled.
func recorderOrNil(j *journal.Journal) stream.Recorder {
	if j == nil {
		return nil
	}
	return j
}
