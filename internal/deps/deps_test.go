package deps

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeStub(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

func TestCheckBinaries(t *testing.T) {
	present := writeStub(t, t.TempDir(), "present", "exit 0\n")
	reqs := []Requirement{
		{Name: "Present", Command: present},
		{Name: "Missing", Command: "clearly-not-present-binary"},
		{Name: "Optional", Command: "also-not-present", Optional: true},
		{Name: "Empty"},
	}

	results := CheckBinaries(reqs)
	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}
	if !results[0].Available || results[0].Detail != "" {
		t.Fatalf("expected first requirement to be available, got %#v", results[0])
	}
	if results[1].Available || results[1].Detail == "" {
		t.Fatalf("expected missing binary with detail, got %#v", results[1])
	}
	if results[1].Command != "clearly-not-present-binary" {
		t.Fatalf("unexpected command recorded: %s", results[1].Command)
	}
	if results[3].Detail != "command not configured" {
		t.Fatalf("unexpected detail for empty command: %q", results[3].Detail)
	}

	missing := Missing(results)
	if len(missing) != 2 || missing[0].Name != "Missing" || missing[1].Name != "Empty" {
		t.Fatalf("unexpected missing set %#v", missing)
	}
}

func TestProbeFFmpeg(t *testing.T) {
	dir := t.TempDir()
	good := writeStub(t, dir, "ffmpeg", "echo 'ffmpeg version 7.1.1 Copyright (c) 2000-2025'\necho 'built with gcc'\n")
	broken := writeStub(t, dir, "ffmpeg-broken", "exit 1\n")

	status := ProbeFFmpeg(context.Background(), "FFmpeg", good, "stream decoding")
	if !status.Available || status.Detail != "ffmpeg version 7.1.1" {
		t.Fatalf("unexpected status %#v", status)
	}
	if status := ProbeFFmpeg(context.Background(), "FFmpeg", broken, ""); status.Available {
		t.Fatalf("expected broken binary to be unavailable")
	}
	if status := ProbeFFmpeg(context.Background(), "FFmpeg", filepath.Join(dir, "nope"), ""); status.Available || status.Detail == "" {
		t.Fatalf("expected missing binary to be reported, got %#v", status)
	}
}
