// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the
// select-with-timeout pattern so tests never hang on a channel that
// is never fed. They are the only place tests use wall-clock timeouts.
//
// [UniqueID] produces distinct identifiers (transaction IDs, message
// bodies) without reading the clock.
//
// Helpers call t.Fatalf on failure.
package testutil
