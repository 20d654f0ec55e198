// Command airpodsd is the AirPods companion daemon: it watches BlueZ for
// connected AirPods-family devices, speaks the Apple Accessory Protocol over
// L2CAP, and tracks battery state and drain-rate statistics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"airpodsd/internal/bluez"
	"airpodsd/internal/config"
	"airpodsd/internal/eventbus"
	"airpodsd/internal/manager"
	"airpodsd/internal/study"
)

type zlogAdapter struct {
	log zerolog.Logger
}

func (z zlogAdapter) Debugf(format string, args ...any) { z.log.Debug().Msgf(format, args...) }
func (z zlogAdapter) Warnf(format string, args ...any)  { z.log.Warn().Msgf(format, args...) }
func (z zlogAdapter) Errorf(format string, args ...any) { z.log.Error().Msgf(format, args...) }

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "airpodsd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level := zerolog.InfoLevel
	if cfg.LogFilter != "" {
		if parsed, err := zerolog.ParseLevel(cfg.LogFilter); err == nil {
			level = parsed
		}
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
	log := zlogAdapter{log: logger}

	dataDir, err := os.UserCacheDir()
	if err != nil {
		dataDir = "."
	}
	studyPath := study.DBPath(os.Getenv("AIRPODSD_STUDY_PATH"), dataDir)
	studyStore, err := study.Open(studyPath)
	if err != nil {
		return fmt.Errorf("opening battery study at %s: %w", studyPath, err)
	}
	defer studyStore.Close()

	watcher, err := bluez.Connect()
	if err != nil {
		return fmt.Errorf("connecting to BlueZ: %w", err)
	}
	defer watcher.Close()

	bus := eventbus.New()
	defer bus.Close()

	mgr := manager.New(cfg, bus, studyStore, watcher, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := watcher.Watch(ctx, mgr); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("bluez signal watch stopped")
		}
	}()

	logger.Info().Str("config", config.Path()).Str("study", studyPath).Msg("airpodsd starting")
	mgr.Run(ctx)
	logger.Info().Msg("airpodsd stopped")
	return nil
}
