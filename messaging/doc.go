// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is a thin client for the subset of the Matrix
// client-server API that a one-to-one chat client needs.
//
// [Client] is unauthenticated: it holds the homeserver URL and HTTP
// transport and performs login and registration. Registration follows
// the User-Interactive Authentication flow, completing it with a
// registration token (MSC3231) when one is supplied and with the
// dummy stage otherwise.
//
// [DirectSession] carries an access token and covers direct rooms
// (create, invite, join, leave, members), message sending with
// idempotent transaction IDs, long-poll /sync, presence, account
// deactivation, and logout. The access token lives in a
// [secret.Buffer]; call Close to release it. [Session] is the
// interface form used by the transport layer and its test doubles.
//
// Every API failure is a [*MatrixError] carrying the Matrix error code
// and HTTP status. Request URLs are built by string concatenation with
// url.PathEscape on each path segment.
package messaging
