// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package observe exposes a running session over HTTP.
//
// [Server] serves a small JSON API next to the interactive shell:
//
//	GET  /healthz   liveness
//	GET  /events    WebSocket stream of inbound events
//	POST /messages  {"to": "bob", "body": "hi"}
//	POST /files     {"to": "bob", "url": "https://...", "description": "..."}
//	GET  /roster    contact availability
//
// Every WebSocket client receives every inbound event as one JSON text
// frame. The [Hub] that feeds them is itself a session listener, so
// it runs on the session's goroutine and never blocks: a client whose
// buffer is full is disconnected rather than slowing the session down.
package observe
