package materialize

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/schaermu/subsync/internal/detect"
	"github.com/schaermu/subsync/internal/snapshot"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mustSnapshot(t *testing.T, files map[string]snapshot.File) *snapshot.Snapshot {
	t.Helper()
	s, err := snapshot.New(files)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestApply(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "old", "nested"), 0755); err != nil {
		t.Fatal(err)
	}
	for name, content := range map[string]string{
		"old/nested/gone.txt": "bye",
		"conflict.c":          "local edit",
		"keep.txt":            "keep",
	} {
		if err := os.WriteFile(filepath.Join(dir, filepath.FromSlash(name)), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	upstream := mustSnapshot(t, map[string]snapshot.File{
		"new/file.txt": {Data: []byte("new")},
		"run.sh":       {Data: []byte("#!/bin/sh"), Executable: true},
		"conflict.c":   {Data: []byte("upstream edit")},
	})

	decisions := []detect.Decision{
		{Path: "new/file.txt", Action: detect.ActionWrite},
		{Path: "run.sh", Action: detect.ActionWrite},
		{Path: "conflict.c", Action: detect.ActionNone, Conflict: true},
		{Path: "old/nested/gone.txt", Action: detect.ActionDelete},
		{Path: "keep.txt", Action: detect.ActionNone},
	}

	res := New(testLogger()).Apply(dir, decisions, upstream)
	if err := res.Err(); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(res.Written) != 2 || len(res.Deleted) != 1 || len(res.Conflicts) != 1 {
		t.Errorf("unexpected result %+v", res)
	}

	got, _ := os.ReadFile(filepath.Join(dir, "conflict.c"))
	if string(got) != "local edit" {
		t.Errorf("conflicted file was modified: %q", got)
	}
	got, _ = os.ReadFile(filepath.Join(dir, "new", "file.txt"))
	if string(got) != "new" {
		t.Errorf("new/file.txt = %q", got)
	}
	info, err := os.Stat(filepath.Join(dir, "run.sh"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("run.sh mode = %v, want 0755", info.Mode().Perm())
	}
	if _, err := os.Stat(filepath.Join(dir, "old")); !os.IsNotExist(err) {
		t.Error("empty directories were not pruned")
	}
	if _, err := os.Stat(dir); err != nil {
		t.Error("root directory must survive pruning")
	}

	leftovers, _ := filepath.Glob(filepath.Join(dir, ".subsync-tmp-*"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestApply_PartialFailure(t *testing.T) {
	dir := t.TempDir()
	// a regular file where a directory is needed makes the write fail
	if err := os.WriteFile(filepath.Join(dir, "blocked"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	upstream := mustSnapshot(t, map[string]snapshot.File{
		"blocked/file": {Data: []byte("a")},
		"ok.txt":       {Data: []byte("b")},
	})
	decisions := []detect.Decision{
		{Path: "blocked/file", Action: detect.ActionWrite},
		{Path: "ok.txt", Action: detect.ActionWrite},
	}

	res := New(testLogger()).Apply(dir, decisions, upstream)
	err := res.Err()
	if !errors.Is(err, ErrPartialWrite) {
		t.Fatalf("Err() = %v, want ErrPartialWrite", err)
	}

	var pwe *PartialWriteError
	if !errors.As(err, &pwe) {
		t.Fatal("expected *PartialWriteError")
	}
	if paths := pwe.Paths(); len(paths) != 1 || paths[0] != "blocked/file" {
		t.Errorf("Paths() = %v", paths)
	}

	if got, _ := os.ReadFile(filepath.Join(dir, "ok.txt")); string(got) != "b" {
		t.Error("independent write was not applied")
	}
}

func TestApply_DeletesBeforeWrites(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"docs/a.txt": "a",
		"notes":      "file soon to be a directory",
	} {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	upstream := mustSnapshot(t, map[string]snapshot.File{
		"docs":         {Data: []byte("docs is a file now")},
		"notes/one.md": {Data: []byte("one")},
	})
	// path order puts each write before the delete that clears its way
	decisions := []detect.Decision{
		{Path: "docs", Action: detect.ActionWrite},
		{Path: "docs/a.txt", Action: detect.ActionDelete},
		{Path: "notes", Action: detect.ActionDelete},
		{Path: "notes/one.md", Action: detect.ActionWrite},
	}

	res := New(testLogger()).Apply(dir, decisions, upstream)
	if err := res.Err(); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got, _ := os.ReadFile(filepath.Join(dir, "docs")); string(got) != "docs is a file now" {
		t.Errorf("docs = %q", got)
	}
	if got, _ := os.ReadFile(filepath.Join(dir, "notes", "one.md")); string(got) != "one" {
		t.Errorf("notes/one.md = %q", got)
	}
}

func TestWriteFile_ReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	if err := WriteFile(dir, "a/b.txt", snapshot.File{Data: []byte("one")}); err != nil {
		t.Fatal(err)
	}
	if err := WriteFile(dir, "a/b.txt", snapshot.File{Data: []byte("two"), Executable: true}); err != nil {
		t.Fatal(err)
	}

	st, ok, err := snapshot.StatFile(filepath.Join(dir, "a", "b.txt"))
	if err != nil || !ok {
		t.Fatalf("StatFile() = %v, %v", ok, err)
	}
	want := snapshot.File{Data: []byte("two"), Executable: true}.State()
	if st != want {
		t.Errorf("state = %+v, want %+v", st, want)
	}
}

func TestWriteFile_RejectsEscapes(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"../x", "/abs", ""} {
		if err := WriteFile(dir, p, snapshot.File{}); err == nil {
			t.Errorf("WriteFile(%q) expected error", p)
		}
	}
}

func TestRemoveFile_MissingIsFine(t *testing.T) {
	if err := RemoveFile(t.TempDir(), "not/there"); err != nil {
		t.Errorf("RemoveFile() error = %v", err)
	}
}
