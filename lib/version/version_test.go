// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"bytes"
	"strings"
	"testing"
)

func TestInfoMarksDirtyBuilds(t *testing.T) {
	savedCommit, savedDirty := GitCommit, GitDirty
	t.Cleanup(func() { GitCommit, GitDirty = savedCommit, savedDirty })

	GitCommit, GitDirty = "abc1234", "false"
	if info := Info(); !strings.Contains(info, "(abc1234,") {
		t.Errorf("Info() = %q", info)
	}
	GitDirty = "true"
	if info := Info(); !strings.Contains(info, "(abc1234-dirty,") {
		t.Errorf("Info() = %q", info)
	}
}

func TestFprint(t *testing.T) {
	var out bytes.Buffer
	Fprint(&out, "parley")
	if !strings.HasPrefix(out.String(), "parley "+Version) || !strings.Contains(out.String(), "Go: ") {
		t.Errorf("output = %q", out.String())
	}
}
