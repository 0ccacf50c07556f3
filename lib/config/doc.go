// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads parley's configuration file.
//
// The file is named by the PARLEY_CONFIG environment variable (via
// [Load]) or a --config flag (via [LoadFile]). There is no search path.
// Files ending in .jsonc or .json may carry comments and trailing
// commas; everything else is parsed as YAML.
//
// A file may hold development, staging, and production sections whose
// non-empty fields replace base values when [Config].Environment
// matches. Production without an explicit section logs JSON.
//
// ${HOME} and ${VAR:-default} are expanded in the homeserver URL and
// the registration token path after overrides apply.
package config
