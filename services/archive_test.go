package services

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()

	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create zip: %v", err)
	}
	defer out.Close()

	w := zip.NewWriter(out)
	for name, content := range entries {
		entry, err := w.Create(name)
		if err != nil {
			t.Fatalf("failed to add entry %s: %v", name, err)
		}
		if _, err := entry.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write entry %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to finalize zip: %v", err)
	}
}

func TestZipExtractPackRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	srcZip := filepath.Join(dir, "in.zip")
	entries := map[string]string{
		"readme.txt":     "hello",
		"docs/notes.txt": "nested content",
	}
	writeTestZip(t, srcZip, entries)

	extracted := filepath.Join(dir, "extracted")
	if err := os.MkdirAll(extracted, 0o755); err != nil {
		t.Fatalf("failed to make dir: %v", err)
	}
	if err := extractZip(srcZip, extracted); err != nil {
		t.Fatalf("extractZip failed: %v", err)
	}
	for name, want := range entries {
		data, err := os.ReadFile(filepath.Join(extracted, filepath.FromSlash(name)))
		if err != nil {
			t.Fatalf("missing extracted entry %s: %v", name, err)
		}
		if string(data) != want {
			t.Fatalf("entry %s = %q, want %q", name, data, want)
		}
	}

	repacked := filepath.Join(dir, "out.zip")
	if err := createZip(extracted, repacked); err != nil {
		t.Fatalf("createZip failed: %v", err)
	}

	reader, err := zip.OpenReader(repacked)
	if err != nil {
		t.Fatalf("failed to open repacked zip: %v", err)
	}
	defer reader.Close()

	found := make(map[string]bool)
	for _, file := range reader.File {
		found[file.Name] = true
	}
	for name := range entries {
		if !found[name] {
			t.Fatalf("repacked zip missing %s (got %v)", name, found)
		}
	}
}

func TestExtractZipRejectsTraversal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	srcZip := filepath.Join(dir, "evil.zip")
	writeTestZip(t, srcZip, map[string]string{"../escape.txt": "nope"})

	dest := filepath.Join(dir, "dest")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		t.Fatalf("failed to make dir: %v", err)
	}
	if err := extractZip(srcZip, dest); err == nil {
		t.Fatal("expected traversal entry to be rejected")
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("traversal entry escaped the extraction dir")
	}
}

func TestConvertArchiveZipToRar(t *testing.T) {
	t.Parallel()

	converter, runner := newTestConverter(t)
	runner.handler = func(name string, args []string) (commandResult, error) {
		if name != "rar" {
			t.Fatalf("unexpected tool %s", name)
		}
		// rar a -r -ep1 <output> <dir>
		out := args[len(args)-2]
		if err := os.WriteFile(out, []byte("rar"), 0o644); err != nil {
			t.Fatalf("failed to create fake rar: %v", err)
		}
		return commandResult{}, nil
	}

	dir := t.TempDir()
	srcZip := filepath.Join(dir, "in.zip")
	writeTestZip(t, srcZip, map[string]string{"a.txt": "a"})

	artifact, err := converter.Convert(context.Background(), srcZip, "zip", "rar", "job-arc")
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if !strings.HasSuffix(artifact, "job-arc_converted.rar") {
		t.Fatalf("unexpected artifact path %s", artifact)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected exactly one rar invocation, got %v", runner.calls)
	}
}

func TestConvertArchiveRarExtractionFailure(t *testing.T) {
	t.Parallel()

	converter, runner := newTestConverter(t)
	runner.handler = func(name string, args []string) (commandResult, error) {
		return commandResult{Output: "Corrupt header", ExitCode: 2}, errors.New("exit status 2")
	}

	_, err := converter.Convert(context.Background(), "/tmp/in.rar", "rar", "zip", "job-arc2")
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected ToolError, got %v", err)
	}
	if toolErr.Tool != "unrar" {
		t.Fatalf("expected unrar failure, got %s", toolErr.Tool)
	}
}
