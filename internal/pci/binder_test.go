package pci

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/safl/upcie/internal/hostcmd"
	"github.com/safl/upcie/internal/sysfs"
)

// recordingControl captures control-file writes and simulates kernel
// behavior for the bind file: busy on the first busyCount attempts.
type recordingControl struct {
	writes    []string // "path=text"
	unbindOK  bool     // whether <dev>/driver/unbind exists
	busyCount int
	bindTries int
}

func (c *recordingControl) write(path, text string) error {
	if strings.HasSuffix(path, "/bind") {
		c.bindTries++
		if c.bindTries <= c.busyCount {
			return fmt.Errorf("%w: write %s", sysfs.ErrBusy, path)
		}
	}

	c.writes = append(c.writes, path+"="+text)

	return nil
}

func (c *recordingControl) exists(path string) bool {
	if strings.HasSuffix(path, "driver/unbind") {
		return c.unbindOK
	}

	return true
}

// zeroDelayPolicy records every requested delay instead of sleeping.
func zeroDelayPolicy(delays *[]time.Duration) RetryPolicy {
	policy := DefaultRetryPolicy()
	policy.Sleep = func(d time.Duration) { *delays = append(*delays, d) }

	return policy
}

func testBinder(t *testing.T, ctrl *recordingControl, runner hostcmd.Runner, policy RetryPolicy) *Binder {
	t.Helper()

	b := NewBinder(testSystem(t, runner), policy)
	b.write = ctrl.write
	b.exists = ctrl.exists

	return b
}

func TestUnbind(t *testing.T) {
	ctrl := &recordingControl{unbindOK: true}

	b := testBinder(t, ctrl, &fakeRunner{}, DefaultRetryPolicy())

	dev := &Device{BDF: "0000:02:00.0"}

	if err := b.Unbind(dev); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if len(ctrl.writes) != 1 || !strings.HasSuffix(ctrl.writes[0], "0000:02:00.0/driver/unbind=0000:02:00.0") {
		t.Fatalf("unexpected writes: %v", ctrl.writes)
	}

	// After a real unbind the control file is gone; a second call
	// must not write again.
	ctrl.unbindOK = false

	if err := b.Unbind(dev); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if len(ctrl.writes) != 1 {
		t.Fatalf("unbind of an unbound device wrote: %v", ctrl.writes[1:])
	}
}

func TestUnbindAlreadyUnbound(t *testing.T) {
	ctrl := &recordingControl{unbindOK: false}

	b := testBinder(t, ctrl, &fakeRunner{}, DefaultRetryPolicy())

	if err := b.Unbind(&Device{BDF: "0000:02:00.0"}); err != nil {
		t.Fatalf("unbinding an unbound device must succeed, got: %s", err)
	}

	if len(ctrl.writes) != 0 {
		t.Fatalf("unexpected writes: %v", ctrl.writes)
	}
}

func TestBind(t *testing.T) {
	ctrl := &recordingControl{unbindOK: true}
	runner := &fakeRunner{}

	b := testBinder(t, ctrl, runner, DefaultRetryPolicy())

	dev := &Device{BDF: "0000:02:00.0"}

	if err := b.Bind(context.Background(), dev, DriverNVMe); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	want := []string{
		"driver/unbind=0000:02:00.0",
		"driver_override=nvme",
		"drivers/nvme/bind=0000:02:00.0",
	}

	if len(ctrl.writes) != len(want) {
		t.Fatalf("got writes %v, want suffixes %v", ctrl.writes, want)
	}

	for i := range want {
		if !strings.HasSuffix(ctrl.writes[i], want[i]) {
			t.Fatalf("write %d: got %q, want suffix %q", i, ctrl.writes[i], want[i])
		}
	}

	// nvme is a kernel driver: no bus-mastering command
	if len(runner.calls) != 0 {
		t.Fatalf("unexpected commands: %v", runner.calls)
	}
}

func TestBindUnboundDeviceStillProceeds(t *testing.T) {
	ctrl := &recordingControl{unbindOK: false}

	b := testBinder(t, ctrl, &fakeRunner{}, DefaultRetryPolicy())

	if err := b.Bind(context.Background(), &Device{BDF: "0000:02:00.0"}, DriverNVMe); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	want := []string{
		"driver_override=nvme",
		"drivers/nvme/bind=0000:02:00.0",
	}

	if len(ctrl.writes) != len(want) {
		t.Fatalf("got writes %v, want suffixes %v", ctrl.writes, want)
	}

	for i := range want {
		if !strings.HasSuffix(ctrl.writes[i], want[i]) {
			t.Fatalf("write %d: got %q, want suffix %q", i, ctrl.writes[i], want[i])
		}
	}
}

func TestBindUIOEnablesBusMastering(t *testing.T) {
	ctrl := &recordingControl{unbindOK: true}
	runner := &fakeRunner{}

	b := testBinder(t, ctrl, runner, DefaultRetryPolicy())

	if err := b.Bind(context.Background(), &Device{BDF: "0000:02:00.0"}, DriverUIO); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if len(runner.calls) != 1 {
		t.Fatalf("got %d bus-mastering commands, want 1: %v", len(runner.calls), runner.calls)
	}

	if want := "setpci -s 0000:02:00.0 COMMAND=0x06"; runner.calls[0] != want {
		t.Fatalf("got %q, want %q", runner.calls[0], want)
	}
}

func TestBindRetriesBusy(t *testing.T) {
	var delays []time.Duration

	ctrl := &recordingControl{unbindOK: false, busyCount: 3}

	b := testBinder(t, ctrl, &fakeRunner{}, zeroDelayPolicy(&delays))

	if err := b.Bind(context.Background(), &Device{BDF: "0000:02:00.0"}, DriverNVMe); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if ctrl.bindTries != 4 {
		t.Fatalf("got %d bind attempts, want 4", ctrl.bindTries)
	}

	// Linear backoff: 1s + 2s + 3s
	var total time.Duration
	for _, d := range delays {
		total += d
	}

	if total != 6*time.Second {
		t.Fatalf("got total delay %s, want 6s", total)
	}
}

func TestBindBusyExhaustion(t *testing.T) {
	var delays []time.Duration

	ctrl := &recordingControl{unbindOK: false, busyCount: 100}

	b := testBinder(t, ctrl, &fakeRunner{}, zeroDelayPolicy(&delays))

	err := b.Bind(context.Background(), &Device{BDF: "0000:02:00.0"}, DriverNVMe)
	if !errors.Is(err, sysfs.ErrBusy) {
		t.Fatalf("got %v instead of a busy error", err)
	}

	if ctrl.bindTries != 10 {
		t.Fatalf("got %d bind attempts, want 10", ctrl.bindTries)
	}

	// No sleep after the final attempt
	if len(delays) != 9 {
		t.Fatalf("got %d sleeps, want 9", len(delays))
	}
}

func TestBindNonBusyFailureIsFatal(t *testing.T) {
	var delays []time.Duration

	ctrl := &recordingControl{unbindOK: false}

	policy := zeroDelayPolicy(&delays)

	b := testBinder(t, ctrl, &fakeRunner{}, policy)
	b.write = func(path, text string) error {
		if strings.HasSuffix(path, "/bind") {
			ctrl.bindTries++
			return fmt.Errorf("%w: write %s", sysfs.ErrNotPresent, path)
		}
		return ctrl.write(path, text)
	}

	err := b.Bind(context.Background(), &Device{BDF: "0000:02:00.0"}, DriverNVMe)
	if !errors.Is(err, sysfs.ErrNotPresent) {
		t.Fatalf("got %v instead of ErrNotPresent", err)
	}

	if ctrl.bindTries != 1 || len(delays) != 0 {
		t.Fatalf("a non-busy failure must not be retried: %d attempts, %d sleeps",
			ctrl.bindTries, len(delays))
	}
}

func TestResolveDriver(t *testing.T) {
	sys := testSystem(t, &fakeRunner{})

	mkdirAll(t, sys.DriversRoot, "nvme")

	reg, err := sys.ProbeDrivers()
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]string{
		"nvme":                            "nvme",
		"uio_pci_generic":                 "uio_pci_generic",
		"/lib/modules/extra/mydriver.ko":  "mydriver",
		"./drivers/uio_pci_generic.ko.xz": "uio_pci_generic",
	}

	for given, want := range cases {
		got, err := ResolveDriver(given, reg)
		if err != nil {
			t.Fatalf("%s: unexpected error: %s", given, err)
		}
		if got != want {
			t.Fatalf("%s: got %q, want %q", given, got, want)
		}
	}

	if _, err := ResolveDriver("floppy", reg); err == nil {
		t.Fatal("an unknown driver name must be rejected")
	}
}
