// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/edgefleet/edgefleet/lib/backend"
	"github.com/edgefleet/edgefleet/lib/clock"
	"github.com/edgefleet/edgefleet/lib/devstate"
	"github.com/edgefleet/edgefleet/lib/ota"
	"github.com/edgefleet/edgefleet/lib/queue"
	"github.com/edgefleet/edgefleet/lib/shadow"
	"github.com/edgefleet/edgefleet/lib/telemetry"
	"github.com/edgefleet/edgefleet/lib/telemetry/sampler"
)

// chaosFailureProbability is the chance an upload or heartbeat tick
// fails when chaos_flags.random_error is set.
const chaosFailureProbability = 0.1

// errInjectedFailure marks a tick aborted by chaos_flags.random_error.
var errInjectedFailure = errors.New("agent: injected random failure")

// tick identifies one of the five periodic duties. The numeric order
// is the dispatch priority when several tickers fire in the same wake.
type tick int

const (
	tickSample tick = iota
	tickUpload
	tickHeartbeat
	tickOTACheck
	tickShadowCheck
	numTicks
)

var tickNames = [numTicks]string{"sample", "upload", "heartbeat", "ota_check", "shadow_check"}

func (t tick) String() string { return tickNames[t] }

// Backend is the slice of the device protocol the loop drives
// directly. *backend.Client satisfies it; tests substitute a fake.
// Firmware traffic goes through Firmware instead.
type Backend interface {
	SendHeartbeat(ctx context.Context, hb backend.Heartbeat) (*shadow.DesiredState, error)
	Ingest(ctx context.Context, deviceID string, measurements []telemetry.Measurement) error
	GetShadow(ctx context.Context, deviceID string) (shadow.DeviceShadow, error)
	PatchShadow(ctx context.Context, deviceID string, reported shadow.Document) error
}

// Firmware runs one firmware update evaluation. *ota.Updater
// satisfies it.
type Firmware interface {
	CheckOnce(ctx context.Context, deviceID string, state *ota.State) error
}

// Config holds the parameters for creating an Agent.
type Config struct {
	// Clock drives the five tickers. Required.
	Clock clock.Clock

	// Backend speaks the device protocol. Required.
	Backend Backend

	// Firmware evaluates firmware updates on the OTA tick. Required.
	Firmware Firmware

	// Queue is the durable telemetry queue. Required.
	Queue *queue.Queue

	// Sampler produces measurements on the sample tick. Required.
	Sampler *sampler.Sampler

	// States persists the device record; State is the loaded record
	// the loop mutates. Both required.
	States *devstate.Store
	State  *devstate.State

	// OTAState is the running firmware {version, slot} at startup.
	OTAState ota.State

	// UploadBatchSize bounds each drain. Defaults to 100 if zero.
	UploadBatchSize int

	// Region and HardwareRev are reported in heartbeats when set.
	Region      string
	HardwareRev string

	// ChaosRand supplies the uniform [0,1) draw for injected
	// failures. Defaults to the global math/rand source; tests pin it.
	ChaosRand func() float64

	// Logger receives loop messages. If nil, a no-op logger is used.
	Logger *slog.Logger
}

// Agent is the device's single-dispatch scheduler loop: five periodic
// duties multiplexed onto one goroutine, so no two duties ever
// overlap and every piece of mutable device state is owned by the
// loop without locks.
type Agent struct {
	clock     clock.Clock
	backend   Backend
	firmware  Firmware
	queue     *queue.Queue
	sampler   *sampler.Sampler
	states    *devstate.Store
	state     *devstate.State
	otaState  ota.State
	batchSize int
	region    string
	hwRev     string
	chaosRand func() float64
	logger    *slog.Logger

	tickers [numTicks]*clock.Ticker
}

// New creates an Agent. Panics on missing required fields — all are
// wiring errors, not runtime conditions.
func New(cfg Config) *Agent {
	switch {
	case cfg.Clock == nil:
		panic("agent: Clock is required")
	case cfg.Backend == nil:
		panic("agent: Backend is required")
	case cfg.Firmware == nil:
		panic("agent: Firmware is required")
	case cfg.Queue == nil:
		panic("agent: Queue is required")
	case cfg.Sampler == nil:
		panic("agent: Sampler is required")
	case cfg.States == nil || cfg.State == nil:
		panic("agent: States and State are required")
	}

	batchSize := cfg.UploadBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	chaosRand := cfg.ChaosRand
	if chaosRand == nil {
		chaosRand = rand.Float64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Agent{
		clock:     cfg.Clock,
		backend:   cfg.Backend,
		firmware:  cfg.Firmware,
		queue:     cfg.Queue,
		sampler:   cfg.Sampler,
		states:    cfg.States,
		state:     cfg.State,
		otaState:  cfg.OTAState,
		batchSize: batchSize,
		region:    cfg.Region,
		hwRev:     cfg.HardwareRev,
		chaosRand: chaosRand,
		logger:    logger,
	}
}

// Run executes the loop until ctx is canceled or a firmware switch
// demands a restart. Returns nil on cancellation and
// ota.ErrRestartRequired after a committed switch; every other tick
// failure is logged and the loop continues.
func (a *Agent) Run(ctx context.Context) error {
	intervals := [numTicks]uint64{
		tickSample:      a.state.SampleIntervalSecs,
		tickUpload:      a.state.UploadIntervalSecs,
		tickHeartbeat:   a.state.HeartbeatIntervalSecs,
		tickOTACheck:    a.state.OTACheckIntervalSecs,
		tickShadowCheck: a.state.ShadowCheckIntervalSecs,
	}
	for t := tickSample; t < numTicks; t++ {
		a.tickers[t] = a.clock.NewTicker(time.Duration(intervals[t]) * time.Second)
		defer a.tickers[t].Stop()
	}

	a.logger.Info("agent loop started",
		"device_id", a.state.DeviceID,
		"firmware_version", a.otaState.CurrentVersion,
		"active_slot", a.otaState.ActiveSlot,
		"sample_interval_secs", intervals[tickSample],
		"upload_interval_secs", intervals[tickUpload],
		"heartbeat_interval_secs", intervals[tickHeartbeat],
	)

	for {
		pending, ok := a.wait(ctx)
		if !ok {
			a.logger.Info("agent loop stopping", "reason", context.Cause(ctx))
			return nil
		}
		for t := tickSample; t < numTicks; t++ {
			if !pending[t] {
				continue
			}
			if err := a.dispatch(ctx, t); err != nil {
				if errors.Is(err, ota.ErrRestartRequired) {
					return err
				}
				a.logger.Error("tick failed", "tick", t, "error", err)
			}
		}
	}
}

// wait blocks until the context ends or at least one ticker fires,
// then sweeps the remaining tickers non-blocking. Ticks that land in
// the same wake are thus dispatched in fixed priority order (sample
// before upload before heartbeat before OTA before shadow) instead of
// the runtime's random select order.
func (a *Agent) wait(ctx context.Context) (pending [numTicks]bool, ok bool) {
	select {
	case <-ctx.Done():
		return pending, false
	case <-a.tickers[tickSample].C:
		pending[tickSample] = true
	case <-a.tickers[tickUpload].C:
		pending[tickUpload] = true
	case <-a.tickers[tickHeartbeat].C:
		pending[tickHeartbeat] = true
	case <-a.tickers[tickOTACheck].C:
		pending[tickOTACheck] = true
	case <-a.tickers[tickShadowCheck].C:
		pending[tickShadowCheck] = true
	}

	for t := tickSample; t < numTicks; t++ {
		if pending[t] {
			continue
		}
		select {
		case <-a.tickers[t].C:
			pending[t] = true
		default:
		}
	}
	return pending, true
}

func (a *Agent) dispatch(ctx context.Context, t tick) error {
	switch t {
	case tickSample:
		return a.sampleTick(ctx)
	case tickUpload:
		return a.uploadTick(ctx)
	case tickHeartbeat:
		return a.heartbeatTick(ctx)
	case tickOTACheck:
		return a.firmware.CheckOnce(ctx, a.state.DeviceID, &a.otaState)
	case tickShadowCheck:
		return a.shadowTick(ctx)
	}
	return nil
}

// sampleTick takes one measurement and appends it to the durable
// queue. An append failure loses exactly that measurement.
func (a *Agent) sampleTick(ctx context.Context) error {
	m := a.sampler.Next(a.otaState.CurrentVersion)
	id, err := a.queue.Append(ctx, m)
	if err != nil {
		return fmt.Errorf("measurement %d lost: %w", m.SequenceNumber, err)
	}
	a.logger.Debug("sampled measurement", "id", id, "sequence", m.SequenceNumber)
	return nil
}

// uploadTick drains up to one batch and ships it. On upload failure
// the batch is re-appended so content is not lost; the re-appended
// records take fresh identifiers at the tail.
func (a *Agent) uploadTick(ctx context.Context) error {
	if a.chaosFailure() {
		return fmt.Errorf("upload: %w", errInjectedFailure)
	}

	batch, err := a.queue.DrainBatch(ctx, a.batchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		a.logger.Debug("nothing to upload")
		return nil
	}

	if err := a.backend.Ingest(ctx, a.state.DeviceID, batch); err != nil {
		a.requeue(ctx, batch)
		return fmt.Errorf("upload of %d measurements failed, re-queued: %w", len(batch), err)
	}

	a.logger.Info("uploaded measurements", "count", len(batch))
	return nil
}

// requeue puts a failed batch back at the tail of the queue. Records
// that fail to re-append are lost and logged individually.
func (a *Agent) requeue(ctx context.Context, batch []telemetry.Measurement) {
	for _, m := range batch {
		if _, err := a.queue.Append(ctx, m); err != nil {
			a.logger.Error("measurement lost during re-queue",
				"sequence", m.SequenceNumber,
				"error", err,
			)
		}
	}
}

// heartbeatTick reports liveness and applies any interval overrides
// the backend returns. The reported intervals are the values live
// before any override from this same response is applied.
func (a *Agent) heartbeatTick(ctx context.Context) error {
	if a.chaosFailure() {
		return fmt.Errorf("heartbeat: %w", errInjectedFailure)
	}

	desired, err := a.backend.SendHeartbeat(ctx, backend.Heartbeat{
		DeviceID:                  a.state.DeviceID,
		FirmwareVersion:           a.otaState.CurrentVersion,
		ReportedSampleInterval:    a.state.SampleIntervalSecs,
		ReportedUploadInterval:    a.state.UploadIntervalSecs,
		ReportedHeartbeatInterval: a.state.HeartbeatIntervalSecs,
		Region:                    a.region,
		HardwareRev:               a.hwRev,
	})
	if err != nil {
		return err
	}
	if desired == nil {
		return nil
	}

	if v := desired.DesiredVersion; v != nil && *v != a.otaState.CurrentVersion {
		// Informational only; the OTA tick performs the switch.
		a.logger.Info("backend desires different firmware version",
			"desired_version", *v,
			"current_version", a.otaState.CurrentVersion,
		)
	}

	if a.applyIntervals(desired.DesiredSampleInterval, desired.DesiredUploadInterval, desired.DesiredHeartbeatInterval) {
		if err := a.states.Save(a.state); err != nil {
			return fmt.Errorf("persisting interval change: %w", err)
		}
	}
	return nil
}

// shadowTick reconciles against the backend's desired document, then
// persists locally and pushes the reported document. Persist comes
// before the patch: the backend must never be told about state the
// device could forget in a crash.
func (a *Agent) shadowTick(ctx context.Context) error {
	deviceShadow, err := a.backend.GetShadow(ctx, a.state.DeviceID)
	if err != nil {
		return err
	}
	desired := deviceShadow.Desired
	if desired == nil {
		// No desired document at all means nothing to reconcile.
		// Clearing only happens against a present desired document
		// that omits a key.
		a.logger.Debug("shadow has no desired document")
		return nil
	}

	// Chaos flags are replaced wholesale. A desired document without
	// the key clears every active flag.
	if flags, ok := desired.Sub(shadow.KeyChaosFlags); ok {
		a.state.ChaosFlags = flags.Clone()
	} else {
		a.state.ChaosFlags = nil
	}

	sampleSecs, _ := desired.Uint64(shadow.KeySampleInterval)
	uploadSecs, _ := desired.Uint64(shadow.KeyUploadInterval)
	heartbeatSecs, _ := desired.Uint64(shadow.KeyHeartbeatInterval)
	a.applyIntervals(sampleSecs, uploadSecs, heartbeatSecs)

	a.state.DesiredShadowState = desired.Clone()

	reported := a.state.ReportedShadowState
	if reported == nil {
		reported = shadow.New()
	}
	reported.Set(shadow.KeySampleInterval, a.state.SampleIntervalSecs)
	reported.Set(shadow.KeyUploadInterval, a.state.UploadIntervalSecs)
	reported.Set(shadow.KeyHeartbeatInterval, a.state.HeartbeatIntervalSecs)
	if a.state.ChaosFlags != nil {
		reported.Set(shadow.KeyChaosFlags, a.state.ChaosFlags)
	} else {
		delete(reported, shadow.KeyChaosFlags)
	}
	a.state.ReportedShadowState = reported

	if err := a.states.Save(a.state); err != nil {
		return fmt.Errorf("persisting reconciled state: %w", err)
	}
	return a.backend.PatchShadow(ctx, a.state.DeviceID, reported)
}

// applyIntervals applies the three backend-steerable periods. Zero
// means no override. A value equal to the current one is a no-op — in
// particular the ticker keeps its phase, so repeated identical
// desired states never delay the next tick. Reports whether anything
// changed.
func (a *Agent) applyIntervals(sampleSecs, uploadSecs, heartbeatSecs uint64) bool {
	changed := false
	apply := func(t tick, value uint64, field *uint64) {
		if value == 0 || value == *field {
			return
		}
		a.logger.Info("interval reconfigured",
			"interval", t,
			"from_secs", *field,
			"to_secs", value,
		)
		*field = value
		a.tickers[t].Reset(time.Duration(value) * time.Second)
		changed = true
	}
	apply(tickSample, sampleSecs, &a.state.SampleIntervalSecs)
	apply(tickUpload, uploadSecs, &a.state.UploadIntervalSecs)
	apply(tickHeartbeat, heartbeatSecs, &a.state.HeartbeatIntervalSecs)
	return changed
}

// chaosFailure draws once against the injected-failure probability.
// No chaos flags, or random_error unset, means no failures.
func (a *Agent) chaosFailure() bool {
	enabled, ok := a.state.ChaosFlags.Bool(shadow.ChaosRandomError)
	if !ok || !enabled {
		return false
	}
	return a.chaosRand() < chaosFailureProbability
}
