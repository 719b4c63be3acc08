// Command heimdall is Heimdall-ASIS's single binary: `ingest`, `clean`,
// `schedule`, and `activate` subcommands over one embedded store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/heimdall-asis/internal/adapters"
	"github.com/aristath/heimdall-asis/internal/catalog"
	"github.com/aristath/heimdall-asis/internal/clean"
	"github.com/aristath/heimdall-asis/internal/config"
	"github.com/aristath/heimdall-asis/internal/httpclient"
	"github.com/aristath/heimdall-asis/internal/ingest"
	"github.com/aristath/heimdall-asis/internal/model"
	"github.com/aristath/heimdall-asis/internal/pipeline"
	"github.com/aristath/heimdall-asis/internal/scheduler"
	"github.com/aristath/heimdall-asis/internal/storage"
	"github.com/aristath/heimdall-asis/pkg/logger"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: heimdall <ingest|clean|schedule|activate> [flags]")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("fatal: open store")
	}
	defer db.Close()

	gw := storage.NewGateway(db)
	httpC := httpclient.New(httpclient.Config{Timeout: secondsToDuration(cfg.HTTPTimeoutSeconds)}, log)
	adapterSet := buildAdapters(httpC, cfg, log)
	dispatch := clean.NewDispatch(
		clean.NewMacroSeriesCleaner(log),
		clean.NewPriceBarsCleaner(log),
		clean.NewNewsFeedCleaner(clean.NewExtractor(httpC.RawClient(), log), log),
	)

	switch os.Args[1] {
	case "ingest":
		runIngest(os.Args[2:], gw, adapterSet, log)
	case "clean":
		runClean(os.Args[2:], gw, dispatch, log)
	case "schedule":
		runSchedule(gw, adapterSet, dispatch, log)
	case "activate":
		runActivate(os.Args[2:], gw, adapterSet, log)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(1)
	}
}

func buildAdapters(httpC *httpclient.Client, cfg *config.Config, log zerolog.Logger) map[model.SourceFamily]adapters.Adapter {
	return map[model.SourceFamily]adapters.Adapter{
		model.FamilyMacroSeries: adapters.NewMacroSeriesAdapter(httpC, cfg.MacroSeriesAPIKey, log),
		model.FamilyPriceBars:   adapters.NewPriceBarsAdapter(httpC, log),
		model.FamilyNewsFeed:    adapters.NewNewsFeedAdapter(httpC, cfg.NewsFeedAPIKey, log),
	}
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

func runIngest(args []string, gw *storage.Gateway, adapterSet map[model.SourceFamily]adapters.Adapter, log zerolog.Logger) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	frequency := fs.String("frequency", "", "HOURLY|DAILY|MONTHLY|QUARTERLY")
	catalogKey := fs.String("catalog", "", "restrict to a single catalog key")
	fs.Parse(args)

	freq := model.Frequency(strings.ToUpper(*frequency))
	if !freq.Valid() {
		fmt.Fprintln(os.Stderr, "fatal: --frequency must be one of HOURLY, DAILY, MONTHLY, QUARTERLY")
		os.Exit(1)
	}

	engine := ingest.NewEngine(gw, adapterSet, log)
	counters, err := engine.Ingest(context.Background(), freq, *catalogKey)
	if err != nil {
		log.Fatal().Err(err).Msg("fatal: ingest batch setup failed")
	}

	log.Info().Int("attempted", counters.Attempted).Int("succeeded", counters.Succeeded).
		Int("failed", counters.Failed).Int("skipped", counters.Skipped).
		Msg("ingest: batch complete")
}

func runClean(args []string, gw *storage.Gateway, dispatch *clean.Dispatch, log zerolog.Logger) {
	fs := flag.NewFlagSet("clean", flag.ExitOnError)
	source := fs.String("source", "ALL", "MACRO|MICRO|NEWS|ALL")
	dryRun := fs.Bool("dry-run", false, "log intended effects without committing")
	resetWatermark := fs.String("reset-watermark", "", "MACRO|MICRO|NEWS|ALL (any other value resets all families)")
	showWatermarks := fs.Bool("show-watermarks", false, "print sync_watermarks and exit")
	verify := fs.Bool("verify", false, "run read-only invariant checks and exit")
	limit := fs.Int("limit", 0, "override the delta query batch cap (default 100)")
	fs.Parse(args)

	ctx := context.Background()
	p := pipeline.NewPipeline(gw, dispatch, log).WithBatchCap(*limit)

	if *showWatermarks {
		marks, err := gw.ListWatermarks(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("fatal: list watermarks")
		}
		for _, w := range marks {
			fmt.Printf("%s\tlast_ingested_at=%v\tlast_cleaned_at=%v\n", w.CatalogKey, w.LastIngestedAt, w.LastCleanedAt)
		}
		return
	}

	if *verify {
		report, err := gw.Verify(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("fatal: verify")
		}
		for _, v := range report.OHLCViolations {
			fmt.Println("OHLC violation:", v)
		}
		for _, v := range report.WatermarkViolations {
			fmt.Println("watermark violation:", v)
		}
		return
	}

	if *resetWatermark != "" {
		families := familiesFor(*resetWatermark)
		for _, f := range families {
			if err := p.Reset(ctx, f); err != nil {
				log.Fatal().Err(err).Msg("fatal: reset watermark")
			}
		}
		log.Info().Str("reset", *resetWatermark).Msg("clean: watermark reset")
		return
	}

	for _, family := range familiesFor(*source) {
		report, err := p.Clean(ctx, family, *dryRun)
		if err != nil {
			log.Error().Err(err).Str("source_family", string(family)).Msg("clean: failed")
			continue
		}
		log.Info().Str("source_family", string(family)).Int("rows_cleaned", report.RowsCleaned).
			Int("rows_skipped", report.RowsSkipped).Int("batches", report.BatchesRun).
			Bool("dry_run", report.DryRun).Msg("clean: family complete")
	}
}

func familiesFor(source string) []model.SourceFamily {
	switch strings.ToUpper(source) {
	case "MACRO":
		return []model.SourceFamily{model.FamilyMacroSeries}
	case "MICRO":
		return []model.SourceFamily{model.FamilyPriceBars}
	case "NEWS":
		return []model.SourceFamily{model.FamilyNewsFeed}
	default:
		return []model.SourceFamily{model.FamilyMacroSeries, model.FamilyPriceBars, model.FamilyNewsFeed}
	}
}

func runSchedule(gw *storage.Gateway, adapterSet map[model.SourceFamily]adapters.Adapter, dispatch *clean.Dispatch, log zerolog.Logger) {
	engine := ingest.NewEngine(gw, adapterSet, log)
	p := pipeline.NewPipeline(gw, dispatch, log)
	sched := scheduler.New(engine, p, log)

	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("fatal: start scheduler")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("schedule: shutdown signal received, draining current run")
	sched.Stop()
}

func runActivate(args []string, gw *storage.Gateway, adapterSet map[model.SourceFamily]adapters.Adapter, log zerolog.Logger) {
	fs := flag.NewFlagSet("activate", flag.ExitOnError)
	catalogKey := fs.String("catalog", "", "restrict to a single catalog key")
	fs.Parse(args)

	reg := catalog.NewRegistry(gw, adapterSet, log)
	results, err := reg.ConfirmActivation(context.Background(), *catalogKey)
	if err != nil {
		log.Fatal().Err(err).Msg("fatal: confirm_activation")
	}

	for _, r := range results {
		if r.Err != nil {
			log.Error().Str("catalog_key", r.CatalogKey).Err(r.Err).Msg("activate: probe failed")
			continue
		}
		log.Info().Str("catalog_key", r.CatalogKey).Bool("activated", r.Activated).Msg("activate: probe complete")
	}
}
