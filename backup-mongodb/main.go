package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/adflex/db-backup/go/schedule"
	log "github.com/sirupsen/logrus"
)

func main() {
	var (
		configPath   = flag.String("config", defaultPath("config.yaml"), "YAML config file")
		progressPath = flag.String("progress-file", defaultPath("current_progress.yaml"), "YAML progress (checkpoint) file")
		logPath      = flag.String("log", defaultPath("backup-mongodb.log"), "log file, in addition to stderr")
	)
	flag.Parse()

	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.WithError(err).Fatal("opening log file")
		}
		defer f.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *progressPath); err != nil {
		if errors.Is(err, errStopRequested) {
			log.Info("gracefully stopped by user")
			return
		}
		// Fatal exits non-zero after logging the diagnostic.
		log.WithError(err).Fatal("backup failed")
	}
}

// defaultPath resolves name next to the installed binary, where operators
// keep the config and progress files by convention.
func defaultPath(name string) string {
	exe, err := os.Executable()
	if err != nil {
		return name
	}
	return filepath.Join(filepath.Dir(exe), name)
}

// run executes backup passes until done: a single pass by default, or one
// pass per scheduled instant when poll_schedule is configured. The stop flag
// is re-checked between passes.
func run(ctx context.Context, configPath, progressPath string) error {
	cfg, err := readConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Stop {
		return errStopRequested
	}

	var sched schedule.Schedule
	if cfg.PollSchedule != "" {
		// Jitter recurring passes by the source identity so several
		// deployments sharing a server do not start at identical instants.
		if sched, err = schedule.Parse(cfg.PollSchedule, []byte(cfg.SourceDB)); err != nil {
			return fmt.Errorf("invalid poll_schedule %q: %w", cfg.PollSchedule, err)
		}
	}

	for {
		passStart := time.Now()
		if err := runPass(ctx, cfg, configPath, progressPath); err != nil {
			return err
		}
		if sched == nil {
			return nil
		}

		log.WithField("next", sched.Next(passStart).UTC().String()).Info("waiting for next scheduled backup pass")
		if err := schedule.WaitForNext(ctx, sched, passStart); err != nil {
			return err
		}

		if cfg, err = readConfig(configPath); err != nil {
			return err
		}
		if cfg.Stop {
			return errStopRequested
		}
	}
}

// runPass copies every configured collection once, sequentially.
func runPass(ctx context.Context, cfg config, configPath, progressPath string) error {
	sourceName, err := databaseName(cfg.SourceDB)
	if err != nil {
		return err
	}
	destName, err := databaseName(cfg.DestinationDB)
	if err != nil {
		return err
	}

	registry := &connectionRegistry{}
	defer registry.closeAll(ctx)

	sourceClient, err := connect(ctx, cfg.SourceDB)
	if err != nil {
		return fmt.Errorf("connecting to source database: %w", err)
	}
	registry.add(sourceClient)

	destClient, err := connect(ctx, cfg.DestinationDB)
	if err != nil {
		return fmt.Errorf("connecting to destination database: %w", err)
	}
	registry.add(destClient)

	log.WithFields(log.Fields{
		"source":      sourceName,
		"destination": destName,
	}).Info("connected to databases")

	var (
		sourceDB    = sourceClient.Database(sourceName)
		destDB      = destClient.Database(destName)
		checkpoints = newCheckpointStore(progressPath)
		governor    = newRateGovernor(time.Second)
	)

	// Deterministic copy order across runs.
	for _, name := range slices.Sorted(maps.Keys(cfg.Collections)) {
		copier := newCollectionCopier(
			&mongoSource{collection: sourceDB.Collection(name)},
			&mongoSink{collection: destDB.Collection(name)},
			cfg.Collections[name],
			checkpoints,
			governor,
			func() (config, error) { return readConfig(configPath) },
			cfg.policy(),
		)

		if err := copier.Run(ctx); err != nil {
			if errors.Is(err, errStopRequested) {
				return err
			}
			return fmt.Errorf("backing up collection %q: %w", name, err)
		}
	}

	return nil
}
