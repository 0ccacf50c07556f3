// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadFromPathTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "password")
	if err := os.WriteFile(path, []byte("  s3cret\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	buffer, err := ReadFromPath(path)
	if err != nil {
		t.Fatalf("ReadFromPath: %v", err)
	}
	defer buffer.Close()

	if buffer.Reveal() != "s3cret" {
		t.Errorf("Reveal() = %q, want s3cret", buffer.Reveal())
	}
}

func TestReadFromPathErrors(t *testing.T) {
	directory := t.TempDir()
	empty := filepath.Join(directory, "empty")
	if err := os.WriteFile(empty, []byte(" \n\t"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := ReadFromPath(filepath.Join(directory, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := ReadFromPath(empty); err == nil {
		t.Error("expected error for whitespace-only file")
	}
}

func TestReadLine(t *testing.T) {
	buffer, err := readLine(strings.NewReader("first-line\nsecond-line\n"))
	if err != nil {
		t.Fatalf("readLine: %v", err)
	}
	defer buffer.Close()
	if buffer.Reveal() != "first-line" {
		t.Errorf("Reveal() = %q, want first-line", buffer.Reveal())
	}

	if _, err := readLine(strings.NewReader("")); err == nil {
		t.Error("expected error for empty input")
	}
}
