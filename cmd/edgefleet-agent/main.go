// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

// edgefleet-agent is the on-device fleet agent: it registers with the
// backend on first boot, then runs the scheduler loop (sampling,
// telemetry upload, heartbeat, OTA check, shadow reconciliation)
// until it is signaled to stop or a firmware switch requires a
// restart.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/edgefleet/edgefleet/lib/agent"
	"github.com/edgefleet/edgefleet/lib/backend"
	"github.com/edgefleet/edgefleet/lib/clock"
	"github.com/edgefleet/edgefleet/lib/devstate"
	"github.com/edgefleet/edgefleet/lib/ota"
	"github.com/edgefleet/edgefleet/lib/queue"
	"github.com/edgefleet/edgefleet/lib/settings"
	"github.com/edgefleet/edgefleet/lib/telemetry/sampler"
	"github.com/edgefleet/edgefleet/lib/version"
)

// exitCodeRestart tells the supervisor (systemd, a container runtime)
// that the process exited to boot into newly installed firmware and
// must be restarted, as opposed to having failed.
const exitCodeRestart = 70

func main() {
	err := run()
	switch {
	case err == nil:
	case errors.Is(err, ota.ErrRestartRequired):
		os.Exit(exitCodeRestart)
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.String("config", "", "path to the YAML settings file (optional)")
	backendURL := pflag.String("backend-url", "", "backend root URL (overrides the settings file)")
	stateDir := pflag.String("state-dir", "", "state directory (overrides the settings file)")
	logLevel := pflag.String("log-level", "info", "log level: debug, info, warn, error")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("edgefleet-agent %s\n", version.Full())
		return nil
	}

	cfg, err := settings.LoadFile(*configPath)
	if err != nil {
		return err
	}
	if *backendURL != "" {
		cfg.BackendURL = *backendURL
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if err := cfg.EnsureStateDir(); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	states := devstate.NewStore(cfg.ConfigPath())
	var state *devstate.State
	client := backend.New(backend.Config{
		BaseURL: cfg.BackendURL,
		Token: func() string {
			if state == nil {
				return ""
			}
			return state.AuthToken
		},
		Logger: logger,
	})

	state, err = states.Load()
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First boot: register exactly once and persist the assigned
		// identity before anything else runs. A registration failure
		// is fatal; the supervisor restarts us to try again.
		bootID := uuid.New()
		logger.Info("no device config found, registering", "boot_id", bootID)
		assigned, registerErr := client.Register(ctx, bootID)
		if registerErr != nil {
			return registerErr
		}
		state = devstate.NewRegistered(assigned.DeviceID, assigned.AuthToken, devstate.Intervals{
			Sample:      cfg.Intervals.SampleSecs,
			Upload:      cfg.Intervals.UploadSecs,
			Heartbeat:   cfg.Intervals.HeartbeatSecs,
			OTACheck:    cfg.Intervals.OTACheckSecs,
			ShadowCheck: cfg.Intervals.ShadowCheckSecs,
		})
		if err := states.Save(state); err != nil {
			return err
		}
		logger.Info("registered", "device_id", state.DeviceID)
	case err != nil:
		return fmt.Errorf("loading device config: %w", err)
	default:
		logger.Info("loaded device config", "device_id", state.DeviceID)
	}

	otaStates := ota.NewStateStore(cfg.OTAStatePath(), version.Short())
	otaState, err := otaStates.Load()
	if err != nil {
		return fmt.Errorf("loading OTA state: %w", err)
	}
	updater := ota.NewUpdater(client, otaStates, ota.NewImageStore(cfg.FirmwareDir()), logger)

	q, err := queue.Open(queue.Config{
		Path:     cfg.QueuePath(),
		MaxDepth: cfg.QueueMaxDepth,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer q.Close()

	a := agent.New(agent.Config{
		Clock:    clock.Real(),
		Backend:  client,
		Firmware: updater,
		Queue:    q,
		Sampler: sampler.New(sampler.Config{
			Clock:          clock.Real(),
			Seed1:          rand.Uint64(),
			Seed2:          rand.Uint64(),
			StartLatitude:  cfg.StartLatitude,
			StartLongitude: cfg.StartLongitude,
		}),
		States:          states,
		State:           state,
		OTAState:        otaState,
		UploadBatchSize: cfg.UploadBatchSize,
		Region:          cfg.Region,
		HardwareRev:     cfg.HardwareRev,
		Logger:          logger,
	})

	if err := a.Run(ctx); err != nil {
		if errors.Is(err, ota.ErrRestartRequired) {
			logger.Info("restarting into new firmware")
		}
		return err
	}
	return nil
}
