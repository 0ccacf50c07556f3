// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds credentials (account passwords, access tokens,
// registration tokens) in memory the garbage collector never sees.
//
// [Buffer] lives in an anonymous mmap region, locked against swap when
// the memlock limit allows and excluded from core dumps. Close zeros
// and unmaps it. A Buffer never prints its contents: String and
// LogValue return a placeholder, so passing one to slog or fmt is
// safe. [Buffer.Reveal] is the explicit escape hatch for wire
// boundaries.
//
// Ownership follows one rule: whoever creates a Buffer closes it.
// Functions that receive a Buffer read it and, if they must keep the
// secret beyond the call, [Buffer.Clone] it.
package secret
