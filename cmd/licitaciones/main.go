package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"LicitacionesExtractor/internal/app"
	"LicitacionesExtractor/internal/config"
	"LicitacionesExtractor/internal/logging"
)

func main() {
	mode := flag.String("mode", "schedule", "run mode: schedule, run, check, metrics, quality, health")
	date := flag.String("date", "", "target day for -mode run (YYYY-MM-DD, defaults to yesterday)")
	source := flag.String("source", "", "comma-separated source subset for -mode run (default: all)")
	flag.Parse()

	cfg := config.Load()
	logger := logging.New(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer application.Close()

	switch *mode {
	case "schedule":
		logger.Info("scheduler mode",
			"extraction_time", cfg.Scheduler.ExtractionTime,
			"timezone", cfg.Scheduler.Timezone,
		)
		if err := application.RunScheduler(ctx); err != nil {
			logger.Error("scheduler stopped with error", "error", err)
			os.Exit(1)
		}

	case "run":
		day, err := targetDay(*date)
		if err != nil {
			logger.Error("invalid date", "error", err)
			os.Exit(1)
		}
		report := application.RunOnce(ctx, day, splitSources(*source)...)
		printJSON(report)
		if report.Status == "RUN_FAILED" {
			os.Exit(1)
		}

	case "check":
		if err := application.TestConnections(ctx); err != nil {
			logger.Error("connectivity check failed", "error", err)
			os.Exit(1)
		}
		fmt.Println("all connections ok")

	case "metrics":
		m, err := application.Metrics(ctx)
		if err != nil {
			logger.Error("cannot collect metrics", "error", err)
			os.Exit(1)
		}
		printJSON(m)

	case "quality":
		q, err := application.QualityReport(ctx)
		if err != nil {
			logger.Error("cannot build quality report", "error", err)
			os.Exit(1)
		}
		printJSON(q)

	case "health":
		h := application.Health(ctx)
		printJSON(h)
		if h.Status == "unhealthy" {
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}

func splitSources(value string) []string {
	if value == "" {
		return nil
	}
	var sources []string
	for _, s := range strings.Split(value, ",") {
		if s = strings.TrimSpace(s); s != "" {
			sources = append(sources, s)
		}
	}
	return sources
}

func targetDay(value string) (time.Time, error) {
	if value == "" {
		return time.Now().UTC().AddDate(0, 0, -1), nil
	}
	return time.Parse("2006-01-02", value)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
