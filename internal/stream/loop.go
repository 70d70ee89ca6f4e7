// Package stream drives the ingestion cadence: collect a batch of
// readings, append it to the channel, sleep, repeat. A failed append is
// isolated to its batch; the loop carries on against the same session,
// whose offset and continuation token are unchanged by the failure.
package stream

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sensefleet/snowstream/internal/channel"
	"github.com/sensefleet/snowstream/internal/journal"
	"github.com/sensefleet/snowstream/internal/logging"
	"github.com/sensefleet/snowstream/internal/record"
	"github.com/sensefleet/snowstream/internal/sensor"
	"github.com/sensefleet/snowstream/internal/stats"
)

// Appender is the slice of channel.Session the loop needs.
type Appender interface {
	Append(ctx context.Context, readings []record.Reading) (channel.AppendResult, error)
	Name() string
}

// Recorder receives operational events. Implemented by journal.Journal.
type Recorder interface {
	Record(channel, kind, detail string)
}

// Config sets the loop cadence.
type Config struct {
	BatchSize       int           // readings per batch (default 10)
	ReadingInterval time.Duration // delay between readings within a batch (default 500ms)
	BatchInterval   time.Duration // delay between batches (default 5s)
	MaxBatches      int           // stop after this many sent batches; 0 = unlimited
	StatsEvery      int           // log a stats summary every N batches (default 10)
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.ReadingInterval <= 0 {
		c.ReadingInterval = 500 * time.Millisecond
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 5 * time.Second
	}
	if c.StatsEvery <= 0 {
		c.StatsEvery = 10
	}
}

// Loop owns one session and one source; it is the single writer for
// the channel.
type Loop struct {
	cfg     Config
	source  sensor.Source
	session Appender
	stats   *stats.Stats
	events  Recorder // optional
	logger  *zap.Logger
}

// New returns a loop with defaults applied. events may be nil.
func New(cfg Config, source sensor.Source, session Appender, st *stats.Stats, events Recorder, logger *zap.Logger) *Loop {
	cfg.applyDefaults()
	return &Loop{
		cfg:     cfg,
		source:  source,
		session: session,
		stats:   st,
		events:  events,
		logger:  logger,
	}
}

// Run streams batches until the context is cancelled or MaxBatches
// have been sent. Cancellation is observed between readings, between
// batches, and during sleeps, so shutdown latency is bounded by the
// smallest configured interval. Always returns nil after logging the
// final summary; startup failures belong to the caller.
func (l *Loop) Run(ctx context.Context) error {
	sent := 0

	for ctx.Err() == nil {
		if l.cfg.MaxBatches > 0 && sent >= l.cfg.MaxBatches {
			l.logger.Info("reached max batches", zap.Int("max_batches", l.cfg.MaxBatches))
			break
		}

		batch := l.collect(ctx)
		if ctx.Err() != nil {
			break
		}
		if len(batch) == 0 {
			l.logger.Warn("no readings collected this cycle")
			if !sleep(ctx, l.cfg.BatchInterval) {
				break
			}
			continue
		}

		res, err := l.session.Append(ctx, batch)
		if err != nil {
			l.stats.RecordError()
			l.record(journal.EventAppendFailed, err.Error())
			l.logger.Error("batch append failed",
				logging.Channel(l.session.Name()),
				logging.Rows(len(batch)),
				zap.Error(err),
			)
		} else {
			sent++
			l.record(journal.EventBatchAppended, fmt.Sprintf("rows=%d bytes=%d offset=%d", res.Rows, res.Bytes, res.Offset))
			l.logger.Info("batch sent",
				logging.Batch(int64(sent)),
				logging.Rows(res.Rows),
				logging.Offset(res.Offset),
			)
			if sent%l.cfg.StatsEvery == 0 {
				l.stats.LogSummary(l.logger)
			}
		}

		if !sleep(ctx, l.cfg.BatchInterval) {
			break
		}
	}

	l.stats.LogSummary(l.logger)
	return nil
}

// collect gathers up to BatchSize readings, skipping transient sensor
// errors and returning early on cancellation.
func (l *Loop) collect(ctx context.Context) []record.Reading {
	batch := make([]record.Reading, 0, l.cfg.BatchSize)
	for i := 0; i < l.cfg.BatchSize; i++ {
		if ctx.Err() != nil {
			return batch
		}

		r, err := l.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return batch
			}
			l.logger.Error("sensor read failed", zap.Error(err))
			continue
		}
		batch = append(batch, r)

		if i < l.cfg.BatchSize-1 && !sleep(ctx, l.cfg.ReadingInterval) {
			return batch
		}
	}
	return batch
}

func (l *Loop) record(kind, detail string) {
	if l.events != nil {
		l.events.Record(l.session.Name(), kind, detail)
	}
}

// sleep waits for d, returning false if the context was cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
