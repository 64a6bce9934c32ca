package rymodule_test

import (
	"os"
	"path/filepath"
	"testing"

	"ry/rymodule"
)

func TestResolveRelativeToBaseDir(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "mod.ry")
	if err := os.WriteFile(target, []byte("var x = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := rymodule.Resolve("mod.ry", dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := filepath.Abs(target)
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestResolveFallsBackToWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "mod.ry")
	if err := os.WriteFile(target, []byte("var x = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	origWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(origWd)

	got, err := rymodule.Resolve("mod.ry", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(got) != "mod.ry" {
		t.Fatalf("expected to resolve mod.ry, got %q", got)
	}
}

func TestResolveMissingFileReturnsOpenError(t *testing.T) {
	_, err := rymodule.Resolve("does-not-exist.ry", t.TempDir())
	if err == nil {
		t.Fatalf("expected an error")
	}
	want := "could not open script file 'does-not-exist.ry'"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}
