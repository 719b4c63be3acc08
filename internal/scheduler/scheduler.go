// Package scheduler implements the long-running process that fires
// ingest(frequency) followed by clean() for that frequency's families at
// configured wall-clock moments, dropping (never queuing) a tick while the
// previous run for that frequency is still executing.
package scheduler

import (
	"context"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/heimdall-asis/internal/ingest"
	"github.com/aristath/heimdall-asis/internal/model"
	"github.com/aristath/heimdall-asis/internal/pipeline"
)

// familiesByFrequency pairs each cadence with the source families an
// ingest(frequency) batch can produce rows for, so the subsequent clean()
// call only touches families that could plausibly have new Bronze rows.
var familiesByFrequency = map[model.Frequency][]model.SourceFamily{
	model.Hourly:    {model.FamilyNewsFeed},
	model.Daily:     {model.FamilyMacroSeries, model.FamilyPriceBars, model.FamilyNewsFeed},
	model.Monthly:   {model.FamilyMacroSeries},
	model.Quarterly: {model.FamilyMacroSeries},
}

// cronSpec is the declared default firing moment for each frequency:
// HOURLY at minute 05, DAILY at 00:05, MONTHLY on day-1 at 00:10,
// QUARTERLY on quarter-start at 00:15. robfig/cron's standard 5-field
// format (no seconds) is used since none of these cadences need
// sub-minute precision.
var cronSpec = map[model.Frequency]string{
	model.Hourly:    "5 * * * *",
	model.Daily:     "5 0 * * *",
	model.Monthly:   "10 0 1 * *",
	model.Quarterly: "15 0 1 1,4,7,10 *",
}

// Scheduler owns the cron loop and the per-frequency "already running" gate.
type Scheduler struct {
	cron    *cron.Cron
	engine  *ingest.Engine
	clean   *pipeline.Pipeline
	log     zerolog.Logger
	running map[model.Frequency]*int32
}

// New builds a Scheduler wired to engine and clean.
func New(engine *ingest.Engine, clean *pipeline.Pipeline, log zerolog.Logger) *Scheduler {
	running := make(map[model.Frequency]*int32, len(cronSpec))
	for freq := range cronSpec {
		var flag int32
		running[freq] = &flag
	}

	return &Scheduler{
		cron:    cron.New(),
		engine:  engine,
		clean:   clean,
		log:     log.With().Str("component", "scheduler").Logger(),
		running: running,
	}
}

// Start registers every declared frequency's cron entry and starts the
// loop. Call Stop for a graceful shutdown that drains in-flight runs.
func (s *Scheduler) Start() error {
	for freq, spec := range cronSpec {
		freq := freq
		if _, err := s.cron.AddFunc(spec, func() { s.runFrequency(freq) }); err != nil {
			return err
		}
		s.log.Info().Str("frequency", string(freq)).Str("schedule", spec).Msg("scheduler: registered frequency")
	}
	s.cron.Start()
	s.log.Info().Msg("scheduler: started")
	return nil
}

// Stop signals cron to stop accepting new ticks and blocks until any
// run already in flight completes: a graceful shutdown drains the
// current run, then exits.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler: stopped")
}

// runFrequency runs ingest(frequency) then clean() for every family that
// frequency can produce rows for. If a previous run for this frequency is
// still executing, the tick is dropped, not queued: at most one writer
// mutates the store per frequency at a time.
func (s *Scheduler) runFrequency(freq model.Frequency) {
	flag := s.running[freq]
	if !atomic.CompareAndSwapInt32(flag, 0, 1) {
		s.log.Warn().Str("frequency", string(freq)).Msg("scheduler: previous run still in flight, dropping tick")
		return
	}
	defer atomic.StoreInt32(flag, 0)

	ctx := context.Background()
	logCtx := s.log.With().Str("frequency", string(freq)).Logger()

	counters, err := s.engine.Ingest(ctx, freq, "")
	if err != nil {
		logCtx.Error().Err(err).Msg("scheduler: ingest batch failed fatally")
		return
	}
	logCtx.Info().Int("succeeded", counters.Succeeded).Int("failed", counters.Failed).
		Int("skipped", counters.Skipped).Msg("scheduler: ingest batch complete")

	for _, family := range familiesByFrequency[freq] {
		report, err := s.clean.Clean(ctx, family, false)
		if err != nil {
			logCtx.Error().Err(err).Str("source_family", string(family)).Msg("scheduler: clean failed")
			continue
		}
		logCtx.Info().Str("source_family", string(family)).Int("rows_cleaned", report.RowsCleaned).
			Int("batches", report.BatchesRun).Msg("scheduler: clean complete")
	}
}
