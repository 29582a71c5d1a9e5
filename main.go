package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vigca/vigca-go/app"
	"github.com/vigca/vigca-go/config"
)

const trainTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vigca:", err)
		os.Exit(1)
	}
}

func run() error {
	// Optional .env next to the binary; absence is not an error.
	_ = godotenv.Load()

	var (
		configPath  = flag.String("config", "vigca_config.json", "path to a JSON or INI configuration file")
		targetsPath = flag.String("targets", "", "override the target library path")
		trainName   = flag.String("train", "", "capture a region as a new target with this name, then exit")
		trainRegion = flag.String("region", "", "training region as x,y,w,h (with -train; empty trains the full frame)")
		list        = flag.Bool("list", false, "list stored targets and exit")
		debugMode   = flag.Bool("debug", false, "enable debug logging and runtime sampling")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *targetsPath != "" {
		cfg.Application.TargetsPath = *targetsPath
	}
	if *debugMode {
		cfg.Application.Debug = true
	}

	level := slog.LevelInfo
	if cfg.Application.Debug {
		level = slog.LevelDebug
	}
	logger := NewLogger(os.Stdout, level)

	application, err := app.Build(cfg, logger)
	if err != nil {
		return err
	}

	if *list {
		defer application.Close()
		return listTargets(application)
	}

	if *trainName != "" {
		region, err := parseRegion(*trainRegion)
		if err != nil {
			application.Close()
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), trainTimeout)
		defer cancel()
		tgt, err := application.Loop.Train(ctx, *trainName, region)
		if err != nil {
			application.Close()
			return fmt.Errorf("train %q: %w", *trainName, err)
		}
		logger.Info("target trained", "id", tgt.ID, "name", tgt.Name, "region", tgt.Region.String())
		return application.Close()
	}

	if err := application.Run(context.Background()); err != nil {
		application.Close()
		return err
	}
	logger.Info("vigca running",
		"targets", application.Store.Len(),
		"auto_start", cfg.Application.AutoStart,
		"method", cfg.NormalizedMethod(),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", "signal", s.String())
	return application.Close()
}

func listTargets(application *app.App) error {
	targets := application.Store.All()
	if len(targets) == 0 {
		fmt.Println("no targets stored")
		return nil
	}
	for _, tgt := range targets {
		state := "enabled"
		if !tgt.Enabled {
			state = "disabled"
		}
		fmt.Printf("%s  %-20s %-8s %-8s %v  created %s\n",
			tgt.ID, tgt.Name, tgt.Method(), state, tgt.Region,
			tgt.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// parseRegion parses "x,y,w,h" into a rectangle. An empty string yields the
// zero rectangle, which trains on the full captured frame.
func parseRegion(s string) (image.Rectangle, error) {
	if s == "" {
		return image.Rectangle{}, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return image.Rectangle{}, fmt.Errorf("region must be x,y,w,h, got %q", s)
	}
	vals := make([]int, 4)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("region component %q: %w", p, err)
		}
		vals[i] = v
	}
	if vals[2] <= 0 || vals[3] <= 0 {
		return image.Rectangle{}, fmt.Errorf("region size must be positive, got %dx%d", vals[2], vals[3])
	}
	return image.Rect(vals[0], vals[1], vals[0]+vals[2], vals[1]+vals[3]), nil
}
