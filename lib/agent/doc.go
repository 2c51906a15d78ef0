// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent runs the device's cooperative scheduler loop.
//
// Five periodic duties — sampling, telemetry upload, heartbeat,
// firmware check, shadow reconciliation — share one goroutine. Each
// has its own ticker so the backend can retune any period without
// touching the others, but dispatch is strictly sequential: a duty
// runs to completion before the next starts, so the device record,
// the OTA state, and the sampler need no locking.
//
// When several tickers fire in the same wake they dispatch in a fixed
// order, sampling first and shadow reconciliation last. Tick failures
// are logged and the loop continues; the two deliberate exits are
// context cancellation and ota.ErrRestartRequired after a committed
// firmware switch.
package agent
