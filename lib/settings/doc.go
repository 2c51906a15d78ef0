// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package settings loads the agent's static YAML configuration file.
//
// Settings are operator-owned inputs (backend URL, state directory,
// first-boot intervals); they are distinct from the device record in
// lib/devstate, which the agent itself mutates and persists. There is
// no environment-variable override layer: one file, read once, plus
// command-line flags in the binary.
package settings
