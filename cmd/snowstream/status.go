package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sensefleet/snowstream/internal/auth"
	"github.com/sensefleet/snowstream/internal/channel"
	"github.com/sensefleet/snowstream/internal/config"
	"github.com/sensefleet/snowstream/internal/discovery"
	"github.com/sensefleet/snowstream/internal/journal"
	"github.com/sensefleet/snowstream/internal/stats"
)

var statusFlags struct {
	configPath  string
	journalPath string
	events      int
	waitOffset  int64
	waitTimeout time.Duration
}

var statusCmd = &cobra.Command{
	Use:   "status <channel>",
	Short: "Report the server-side committed offset for a channel",
	Long: `Query the bulk channel status endpoint for the named channel and print
its committed offset. With --events, also print the most recent entries
from the local event journal.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusFlags.configPath, "config", getEnv("SNOWSTREAM_CONFIG", "snowflake-config.json"), "path to the connection config file")
	statusCmd.Flags().StringVar(&statusFlags.journalPath, "journal", getEnv("SNOWSTREAM_JOURNAL", "snowstream.db"), "event journal path")
	statusCmd.Flags().IntVar(&statusFlags.events, "events", 0, "print the N most recent journal events for this run")
	statusCmd.Flags().Int64Var(&statusFlags.waitOffset, "wait-offset", 0, "poll until this offset is committed")
	statusCmd.Flags().DurationVar(&statusFlags.waitTimeout, "wait-timeout", 30*time.Second, "how long to poll with --wait-offset")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(statusFlags.configPath)
	if err != nil {
		return err
	}

	provider, err := auth.NewProvider(cfg, logger.Named("auth"))
	if err != nil {
		return err
	}
	resolver := discovery.NewResolver(cfg.URL, provider, logger.Named("discovery"))
	session := channel.NewNamedSession(cfg, args[0], resolver, provider, stats.New(), logger.Named("channel"))

	ctx := context.Background()

	if statusFlags.waitOffset > 0 {
		if !session.WaitForCommit(ctx, statusFlags.waitOffset, statusFlags.waitTimeout, 2*time.Second) {
			return fmt.Errorf("offset %d not committed within %s", statusFlags.waitOffset, statusFlags.waitTimeout)
		}
	}

	status, err := session.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Channel:          %s\n", session.Name())
	fmt.Printf("Committed offset: %d\n", status.Committed())

	if statusFlags.events > 0 {
		j, err := journal.Open(statusFlags.journalPath, logger.Named("journal"))
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer j.Close()

		events, err := j.Tail(statusFlags.events)
		if err != nil {
			return fmt.Errorf("read journal: %w", err)
		}
		if len(events) == 0 {
			fmt.Println("No journal events found.")
			return nil
		}

		fmt.Println()
		fmt.Printf("%-19s  %-28s  %-17s  %s\n", "TIME", "CHANNEL", "KIND", "DETAIL")
		for _, e := range events {
			fmt.Printf("%-19s  %-28s  %-17s  %s\n",
				e.At.Format("2006-01-02 15:04:05"), e.Channel, e.Kind, e.Detail)
		}
	}

	return nil
}
