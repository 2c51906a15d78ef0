// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

package agent_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/edgefleet/edgefleet/lib/agent"
	"github.com/edgefleet/edgefleet/lib/backend"
	"github.com/edgefleet/edgefleet/lib/clock"
	"github.com/edgefleet/edgefleet/lib/devstate"
	"github.com/edgefleet/edgefleet/lib/ota"
	"github.com/edgefleet/edgefleet/lib/queue"
	"github.com/edgefleet/edgefleet/lib/shadow"
	"github.com/edgefleet/edgefleet/lib/telemetry"
	"github.com/edgefleet/edgefleet/lib/telemetry/sampler"
	"github.com/edgefleet/edgefleet/lib/testutil"
)

const waitTimeout = 5 * time.Second

// fakeBackend records protocol traffic on channels and serves
// configurable responses.
type fakeBackend struct {
	mu        sync.Mutex
	desired   *shadow.DesiredState
	shadowDoc shadow.DeviceShadow
	ingestErr error

	heartbeats chan backend.Heartbeat
	ingests    chan []telemetry.Measurement
	patches    chan shadow.Document

	ingestCalls    int
	heartbeatCalls int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		heartbeats: make(chan backend.Heartbeat, 16),
		ingests:    make(chan []telemetry.Measurement, 16),
		patches:    make(chan shadow.Document, 16),
	}
}

func (b *fakeBackend) SendHeartbeat(ctx context.Context, hb backend.Heartbeat) (*shadow.DesiredState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heartbeatCalls++
	b.heartbeats <- hb
	return b.desired, nil
}

func (b *fakeBackend) Ingest(ctx context.Context, deviceID string, measurements []telemetry.Measurement) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ingestCalls++
	b.ingests <- measurements
	return b.ingestErr
}

func (b *fakeBackend) GetShadow(ctx context.Context, deviceID string) (shadow.DeviceShadow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shadowDoc, nil
}

func (b *fakeBackend) PatchShadow(ctx context.Context, deviceID string, reported shadow.Document) error {
	b.patches <- reported.Clone()
	return nil
}

func (b *fakeBackend) setShadow(doc shadow.DeviceShadow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shadowDoc = doc
}

func (b *fakeBackend) setIngestErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ingestErr = err
}

func (b *fakeBackend) counts() (ingests, heartbeats int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ingestCalls, b.heartbeatCalls
}

// fakeFirmware serves a canned CheckOnce result and signals each call.
type fakeFirmware struct {
	err    error
	checks chan struct{}
}

func newFakeFirmware(err error) *fakeFirmware {
	return &fakeFirmware{err: err, checks: make(chan struct{}, 16)}
}

func (f *fakeFirmware) CheckOnce(ctx context.Context, deviceID string, state *ota.State) error {
	f.checks <- struct{}{}
	return f.err
}

type harness struct {
	clock    *clock.FakeClock
	backend  *fakeBackend
	firmware *fakeFirmware
	queue    *queue.Queue
	states   *devstate.Store
	state    *devstate.State
	agent    *agent.Agent

	done   chan error
	exited chan struct{}
}

// chaosAlways makes every chaos draw land under the failure
// probability; chaosNever makes every draw miss it.
func chaosAlways() float64 { return 0.0 }
func chaosNever() float64  { return 1.0 }

func newHarness(t *testing.T, intervals devstate.Intervals, chaosRand func() float64) *harness {
	t.Helper()
	dir := t.TempDir()

	q, err := queue.Open(queue.Config{Path: filepath.Join(dir, "telemetry.db")})
	if err != nil {
		t.Fatalf("opening queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	states := devstate.NewStore(filepath.Join(dir, "config.json"))
	state := devstate.NewRegistered("dev-1", "token-1", intervals)
	if err := states.Save(state); err != nil {
		t.Fatalf("seeding state: %v", err)
	}

	fc := clock.Fake(time.Unix(1700000000, 0))
	h := &harness{
		clock:    fc,
		backend:  newFakeBackend(),
		firmware: newFakeFirmware(nil),
		queue:    q,
		states:   states,
		state:    state,
	}
	h.agent = agent.New(agent.Config{
		Clock:     fc,
		Backend:   h.backend,
		Firmware:  h.firmware,
		Queue:     q,
		Sampler:   sampler.New(sampler.Config{Clock: fc, Seed1: 1, Seed2: 2}),
		States:    states,
		State:     state,
		OTAState:  ota.State{CurrentVersion: "1.0.0", ActiveSlot: ota.SlotA},
		ChaosRand: chaosRand,
	})
	return h
}

// start launches the loop and blocks until all five tickers are
// registered, so Advance calls cannot race ticker creation.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.done = make(chan error, 1)
	h.exited = make(chan struct{})
	go func() {
		h.done <- h.agent.Run(ctx)
		close(h.exited)
	}()
	h.clock.WaitForTimers(5)
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, h.exited, waitTimeout, "waiting for loop exit")
	})
}

// waitDepth polls until the queue holds exactly want records.
func (h *harness) waitDepth(t *testing.T, want int64) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		depth, err := h.queue.Depth(context.Background())
		if err != nil {
			t.Fatalf("Depth: %v", err)
		}
		if depth == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue depth = %d, want %d", depth, want)
		}
		time.Sleep(time.Millisecond)
	}
}

// waitPersisted polls the state file until check passes.
func (h *harness) waitPersisted(t *testing.T, check func(*devstate.State) bool) *devstate.State {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		persisted, err := devstate.NewStore(h.states.Path()).Load()
		if err == nil && check(persisted) {
			return persisted
		}
		if time.Now().After(deadline) {
			t.Fatalf("state file never reached expected condition (last: %+v, err: %v)", persisted, err)
		}
		time.Sleep(time.Millisecond)
	}
}

func seedMeasurements(t *testing.T, q *queue.Queue, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		m := telemetry.Measurement{
			Timestamp:      time.Unix(1700000000, 0).Add(time.Duration(i) * time.Second),
			Temp:           20,
			Humidity:       50,
			Battery:        0.9,
			SequenceNumber: uint32(i),
		}
		if _, err := q.Append(context.Background(), m); err != nil {
			t.Fatalf("seeding queue: %v", err)
		}
	}
}

func TestSampleTickAppendsToQueue(t *testing.T) {
	h := newHarness(t, devstate.Intervals{
		Sample: 10, Upload: 1000, Heartbeat: 1000, OTACheck: 1000, ShadowCheck: 1000,
	}, nil)
	h.start(t)

	h.clock.Advance(10 * time.Second)
	h.waitDepth(t, 1)
	h.clock.Advance(10 * time.Second)
	h.waitDepth(t, 2)
}

func TestUploadTickDrainsQueue(t *testing.T) {
	h := newHarness(t, devstate.Intervals{
		Sample: 1000, Upload: 60, Heartbeat: 1000, OTACheck: 1000, ShadowCheck: 1000,
	}, nil)
	seedMeasurements(t, h.queue, 3)
	h.start(t)

	h.clock.Advance(60 * time.Second)
	batch := testutil.RequireReceive(t, h.backend.ingests, waitTimeout, "waiting for upload")
	if len(batch) != 3 {
		t.Fatalf("uploaded %d measurements, want 3", len(batch))
	}
	for i, m := range batch {
		if m.SequenceNumber != uint32(i) {
			t.Errorf("batch[%d].SequenceNumber = %d, want %d", i, m.SequenceNumber, i)
		}
	}
	h.waitDepth(t, 0)
}

func TestUploadFailureRequeuesBatch(t *testing.T) {
	h := newHarness(t, devstate.Intervals{
		Sample: 1000, Upload: 60, Heartbeat: 1000, OTACheck: 1000, ShadowCheck: 1000,
	}, nil)
	seedMeasurements(t, h.queue, 2)
	h.backend.setIngestErr(errors.New("backend unreachable"))
	h.start(t)

	h.clock.Advance(60 * time.Second)
	testutil.RequireReceive(t, h.backend.ingests, waitTimeout, "waiting for failed upload")
	h.waitDepth(t, 2)

	// The next tick retries and the content survives intact.
	h.backend.setIngestErr(nil)
	h.clock.Advance(60 * time.Second)
	batch := testutil.RequireReceive(t, h.backend.ingests, waitTimeout, "waiting for retried upload")
	if len(batch) != 2 {
		t.Fatalf("retried upload carried %d measurements, want 2", len(batch))
	}
	for i, m := range batch {
		if m.SequenceNumber != uint32(i) {
			t.Errorf("retry batch[%d].SequenceNumber = %d, want %d", i, m.SequenceNumber, i)
		}
	}
	h.waitDepth(t, 0)
}

func TestHeartbeatReportsLiveIntervals(t *testing.T) {
	h := newHarness(t, devstate.Intervals{
		Sample: 1000, Upload: 2000, Heartbeat: 30, OTACheck: 3000, ShadowCheck: 4000,
	}, nil)
	h.start(t)

	h.clock.Advance(30 * time.Second)
	hb := testutil.RequireReceive(t, h.backend.heartbeats, waitTimeout, "waiting for heartbeat")
	if hb.DeviceID != "dev-1" {
		t.Errorf("DeviceID = %q, want dev-1", hb.DeviceID)
	}
	if hb.FirmwareVersion != "1.0.0" {
		t.Errorf("FirmwareVersion = %q, want 1.0.0", hb.FirmwareVersion)
	}
	if hb.ReportedSampleInterval != 1000 || hb.ReportedUploadInterval != 2000 || hb.ReportedHeartbeatInterval != 30 {
		t.Errorf("reported intervals = %d/%d/%d, want 1000/2000/30",
			hb.ReportedSampleInterval, hb.ReportedUploadInterval, hb.ReportedHeartbeatInterval)
	}
}

func TestHeartbeatAppliesDesiredIntervals(t *testing.T) {
	h := newHarness(t, devstate.Intervals{
		Sample: 1000, Upload: 2000, Heartbeat: 30, OTACheck: 3000, ShadowCheck: 4000,
	}, nil)
	h.backend.desired = &shadow.DesiredState{DesiredSampleInterval: 5}
	h.start(t)

	h.clock.Advance(30 * time.Second)
	hb := testutil.RequireReceive(t, h.backend.heartbeats, waitTimeout, "waiting for heartbeat")
	if hb.ReportedSampleInterval != 1000 {
		t.Errorf("heartbeat reported post-update interval %d, want the pre-update 1000", hb.ReportedSampleInterval)
	}

	// The override is durable and the sample ticker now runs at 5s.
	h.waitPersisted(t, func(s *devstate.State) bool { return s.SampleIntervalSecs == 5 })
	h.clock.Advance(5 * time.Second)
	h.waitDepth(t, 1)
}

func TestUnchangedDesiredIntervalKeepsTickerPhase(t *testing.T) {
	h := newHarness(t, devstate.Intervals{
		Sample: 7, Upload: 2000, Heartbeat: 5, OTACheck: 3000, ShadowCheck: 4000,
	}, nil)
	h.backend.desired = &shadow.DesiredState{DesiredSampleInterval: 7}
	h.start(t)

	// Heartbeat at t=5 carries a desired interval equal to the live
	// one. A naive reset would push the next sample to t=12; phase
	// preservation keeps it at t=7.
	h.clock.Advance(5 * time.Second)
	testutil.RequireReceive(t, h.backend.heartbeats, waitTimeout, "waiting for heartbeat")
	h.clock.Advance(2 * time.Second)
	h.waitDepth(t, 1)
}

func TestShadowReconcileAppliesDesiredState(t *testing.T) {
	h := newHarness(t, devstate.Intervals{
		Sample: 1000, Upload: 2000, Heartbeat: 3000, OTACheck: 4000, ShadowCheck: 60,
	}, nil)
	h.backend.setShadow(shadow.DeviceShadow{
		Desired: shadow.Document{
			shadow.KeySampleInterval: float64(15),
			shadow.KeyChaosFlags:     map[string]any{shadow.ChaosRandomError: true},
		},
	})
	h.start(t)

	h.clock.Advance(60 * time.Second)
	reported := testutil.RequireReceive(t, h.backend.patches, waitTimeout, "waiting for shadow patch")

	if v, ok := reported.Uint64(shadow.KeySampleInterval); !ok || v != 15 {
		t.Errorf("reported sample interval = %v, want 15", reported[shadow.KeySampleInterval])
	}
	flags, ok := reported.Sub(shadow.KeyChaosFlags)
	if !ok {
		t.Fatal("reported document missing chaos_flags")
	}
	if enabled, _ := flags.Bool(shadow.ChaosRandomError); !enabled {
		t.Error("reported chaos_flags.random_error not set")
	}

	persisted := h.waitPersisted(t, func(s *devstate.State) bool { return s.SampleIntervalSecs == 15 })
	if enabled, _ := persisted.ChaosFlags.Bool(shadow.ChaosRandomError); !enabled {
		t.Error("persisted chaos flags missing random_error")
	}
	if _, ok := persisted.DesiredShadowState.Uint64(shadow.KeySampleInterval); !ok {
		t.Error("persisted desired document missing sample interval")
	}
}

func TestShadowWithoutChaosFlagsClearsThem(t *testing.T) {
	h := newHarness(t, devstate.Intervals{
		Sample: 1000, Upload: 2000, Heartbeat: 3000, OTACheck: 4000, ShadowCheck: 60,
	}, nil)
	h.backend.setShadow(shadow.DeviceShadow{
		Desired: shadow.Document{
			shadow.KeyChaosFlags: map[string]any{shadow.ChaosRandomError: true},
		},
	})
	h.start(t)

	h.clock.Advance(60 * time.Second)
	reported := testutil.RequireReceive(t, h.backend.patches, waitTimeout, "waiting for first patch")
	if _, ok := reported.Sub(shadow.KeyChaosFlags); !ok {
		t.Fatal("first patch missing chaos_flags")
	}

	// The key disappears from desired entirely; every flag clears.
	h.backend.setShadow(shadow.DeviceShadow{Desired: shadow.Document{}})
	h.clock.Advance(60 * time.Second)
	reported = testutil.RequireReceive(t, h.backend.patches, waitTimeout, "waiting for second patch")
	if _, ok := reported[shadow.KeyChaosFlags]; ok {
		t.Error("chaos_flags still present in reported document after clearing")
	}

	persisted := h.waitPersisted(t, func(s *devstate.State) bool { return len(s.ChaosFlags) == 0 })
	if len(persisted.ChaosFlags) != 0 {
		t.Errorf("persisted chaos flags = %v, want none", persisted.ChaosFlags)
	}
}

func TestShadowWithoutDesiredDocumentSkipsReconcile(t *testing.T) {
	h := newHarness(t, devstate.Intervals{
		Sample: 1000, Upload: 2000, Heartbeat: 70, OTACheck: 3000, ShadowCheck: 60,
	}, chaosNever)
	h.state.ChaosFlags = shadow.Document{shadow.ChaosRandomError: true}
	h.start(t)

	// The backend serves a shadow with no desired document. The
	// reconciliation tick at t=60 must be a no-op: no patch, and the
	// active chaos flags survive. The heartbeat at t=70 orders the
	// assertion after the shadow tick has fully run.
	h.clock.Advance(60 * time.Second)
	h.clock.Advance(10 * time.Second)
	testutil.RequireReceive(t, h.backend.heartbeats, waitTimeout, "waiting for heartbeat fence")

	select {
	case reported := <-h.backend.patches:
		t.Fatalf("shadow patched despite absent desired document: %v", reported)
	default:
	}
	if enabled, _ := h.state.ChaosFlags.Bool(shadow.ChaosRandomError); !enabled {
		t.Error("chaos flags cleared despite absent desired document")
	}
}

func TestChaosRandomErrorSkipsUploadAndHeartbeat(t *testing.T) {
	h := newHarness(t, devstate.Intervals{
		Sample: 1000, Upload: 60, Heartbeat: 60, OTACheck: 2000, ShadowCheck: 130,
	}, chaosAlways)
	h.state.ChaosFlags = shadow.Document{shadow.ChaosRandomError: true}
	// The desired document keeps the flags set, so the shadow tick
	// used as a fence below does not disable the injection.
	h.backend.setShadow(shadow.DeviceShadow{
		Desired: shadow.Document{
			shadow.KeyChaosFlags: map[string]any{shadow.ChaosRandomError: true},
		},
	})
	seedMeasurements(t, h.queue, 1)
	h.start(t)

	// Two upload and heartbeat rounds, both injected to fail, then
	// the shadow tick at t=130 as an ordering fence: by the time the
	// patch arrives, the loop has fully processed every earlier tick.
	h.clock.Advance(60 * time.Second)
	h.clock.Advance(60 * time.Second)
	h.clock.Advance(10 * time.Second)
	testutil.RequireReceive(t, h.backend.patches, waitTimeout, "waiting for shadow fence")

	ingests, heartbeats := h.backend.counts()
	if ingests != 0 {
		t.Errorf("ingest called %d times despite injected failures", ingests)
	}
	if heartbeats != 0 {
		t.Errorf("heartbeat called %d times despite injected failures", heartbeats)
	}
	h.waitDepth(t, 1)
}

func TestSimultaneousTicksSampleBeforeUpload(t *testing.T) {
	h := newHarness(t, devstate.Intervals{
		Sample: 10, Upload: 10, Heartbeat: 1000, OTACheck: 1000, ShadowCheck: 1000,
	}, nil)
	h.start(t)

	// Both tickers fire at t=10. Sample dispatches first, so the
	// upload in the same wake already sees the fresh measurement.
	h.clock.Advance(10 * time.Second)
	batch := testutil.RequireReceive(t, h.backend.ingests, waitTimeout, "waiting for upload")
	if len(batch) != 1 {
		t.Fatalf("uploaded %d measurements, want the one sampled in the same wake", len(batch))
	}
	h.waitDepth(t, 0)
}

func TestFirmwareRestartStopsLoop(t *testing.T) {
	h := newHarness(t, devstate.Intervals{
		Sample: 1000, Upload: 2000, Heartbeat: 3000, OTACheck: 300, ShadowCheck: 4000,
	}, nil)
	h.firmware.err = ota.ErrRestartRequired
	h.start(t)

	h.clock.Advance(300 * time.Second)
	testutil.RequireReceive(t, h.firmware.checks, waitTimeout, "waiting for firmware check")
	err := testutil.RequireReceive(t, h.done, waitTimeout, "waiting for loop exit")
	if !errors.Is(err, ota.ErrRestartRequired) {
		t.Fatalf("Run returned %v, want ErrRestartRequired", err)
	}
}

func TestFirmwareFailureKeepsLoopRunning(t *testing.T) {
	h := newHarness(t, devstate.Intervals{
		Sample: 1000, Upload: 2000, Heartbeat: 3000, OTACheck: 300, ShadowCheck: 4000,
	}, nil)
	h.firmware.err = errors.New("metadata fetch: connection refused")
	h.start(t)

	h.clock.Advance(300 * time.Second)
	testutil.RequireReceive(t, h.firmware.checks, waitTimeout, "waiting for first check")
	h.clock.Advance(300 * time.Second)
	testutil.RequireReceive(t, h.firmware.checks, waitTimeout, "waiting for second check")

	select {
	case err := <-h.done:
		t.Fatalf("loop exited on a transient firmware failure: %v", err)
	default:
	}
}
