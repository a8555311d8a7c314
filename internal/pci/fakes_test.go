package pci

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/safl/upcie/internal/hostcmd"
)

// fakeRunner records every command line and replies from a handler,
// or with empty output when no handler is set.
type fakeRunner struct {
	calls   []string
	handler func(cmdline string) *hostcmd.Result
}

func (r *fakeRunner) Run(ctx context.Context, cmdline string) (*hostcmd.Result, error) {
	r.calls = append(r.calls, cmdline)

	if r.handler != nil {
		return r.handler(cmdline), nil
	}

	return &hostcmd.Result{}, nil
}

// testSystem returns a System rooted in a temporary directory tree.
func testSystem(t *testing.T, runner hostcmd.Runner) *System {
	t.Helper()

	tmpdir := t.TempDir()

	sys := NewSystem(runner)
	sys.DevicesRoot = filepath.Join(tmpdir, "sys", "bus", "pci", "devices")
	sys.DriversRoot = filepath.Join(tmpdir, "sys", "bus", "pci", "drivers")
	sys.DevRoot = filepath.Join(tmpdir, "dev")

	for _, dir := range []string{sys.DevicesRoot, sys.DriversRoot, sys.DevRoot} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}

	return sys
}

func mkdirAll(t *testing.T, elem ...string) string {
	t.Helper()

	dir := filepath.Join(elem...)

	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}

	return dir
}

func touch(t *testing.T, elem ...string) string {
	t.Helper()

	fname := filepath.Join(elem...)

	if err := os.WriteFile(fname, nil, 0644); err != nil {
		t.Fatal(err)
	}

	return fname
}
