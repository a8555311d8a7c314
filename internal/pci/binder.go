package pci

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/safl/upcie/internal/sysfs"

	log "github.com/sirupsen/logrus"
)

// RetryPolicy bounds the retries of the bind write. After the
// driver_override is set, the kernel's own driver core may race us in
// claiming the device; the bind write then fails with EBUSY and is
// worth retrying. Kept as data so tests can inject a zero-delay policy.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	Retryable   func(err error) bool
	Sleep       func(d time.Duration)
}

// DefaultRetryPolicy retries EBUSY up to 10 times with linear backoff:
// attempt n waits n seconds before the next one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		Backoff:     func(attempt int) time.Duration { return time.Duration(attempt) * time.Second },
		Retryable:   func(err error) bool { return errors.Is(err, sysfs.ErrBusy) },
		Sleep:       time.Sleep,
	}
}

// Binder moves a device between drivers through the sysfs control
// files: unbind, driver_override, then the target driver's bind file.
type Binder struct {
	sys    *System
	policy RetryPolicy

	// control-file access, replaceable in tests
	write  func(path, text string) error
	exists func(path string) bool
}

func NewBinder(sys *System, policy RetryPolicy) *Binder {
	return &Binder{
		sys:    sys,
		policy: policy,
		write:  sysfs.WriteString,
		exists: sysfs.Exists,
	}
}

// Unbind detaches the device from its current driver. An already
// unbound device has no driver/unbind control file; that is a
// successful no-op, so Unbind can be called unconditionally.
func (b *Binder) Unbind(d *Device) error {
	fmt.Printf("Unbinding; from('%s')\n", d.DriverName())

	unbind := b.sys.devicePath(d, "driver", "unbind")

	if !b.exists(unbind) {
		fmt.Println("Not bound; skipping unbind()")
		return nil
	}

	log.Debugf("writing %q to %s", d.BDF, unbind)

	return b.write(unbind, d.BDF)
}

// Bind attaches the device to the named driver. The device is unbound
// first so that rebinding to the same driver starts from a clean
// state. driver_override forces the kernel to select the requested
// driver instead of matching by ID.
func (b *Binder) Bind(ctx context.Context, d *Device, driver string) error {
	fmt.Printf("Binding; from('%s') to ('%s')\n", d.DriverName(), driver)

	if err := b.Unbind(d); err != nil {
		return err
	}

	if err := b.write(b.sys.devicePath(d, "driver_override"), driver); err != nil {
		return fmt.Errorf("failed to set driver_override for %s: %w", d.BDF, err)
	}

	if err := b.bindWithRetry(d, driver); err != nil {
		return err
	}

	if driver == DriverUIO {
		return b.enableBusMastering(ctx, d)
	}

	return nil
}

// bindWithRetry writes the device address to the driver's bind file,
// retrying the busy condition according to the policy. Any other
// failure propagates immediately.
func (b *Binder) bindWithRetry(d *Device, driver string) error {
	bind := b.sys.driverPath(driver, "bind")

	for attempt := 1; ; attempt++ {
		err := b.write(bind, d.BDF)
		if err == nil {
			return nil
		}

		if !b.policy.Retryable(err) {
			return fmt.Errorf("failed to bind %s to %s: %w", d.BDF, driver, err)
		}

		if attempt >= b.policy.MaxAttempts {
			return fmt.Errorf("failed to bind %s to %s after %d attempts: %w",
				d.BDF, driver, attempt, err)
		}

		delay := b.policy.Backoff(attempt)

		log.Debugf("bind of %s busy on attempt %d/%d; retrying in %s",
			d.BDF, attempt, b.policy.MaxAttempts, delay)

		b.policy.Sleep(delay)
	}
}

// enableBusMastering sets the Memory-Space and Bus-Master bits in the
// device's command register. User-space drivers get no help from the
// kernel here, and without the Bus-Master bit the device cannot
// initiate DMA.
func (b *Binder) enableBusMastering(ctx context.Context, d *Device) error {
	res, err := b.sys.Runner.Run(ctx, fmt.Sprintf("%s -s %s COMMAND=0x06", b.sys.SetpciCmd, d.BDF))
	if err != nil {
		return fmt.Errorf("failed to enable bus-mastering for %s: %w", d.BDF, err)
	}

	if res.ExitCode != 0 {
		return fmt.Errorf("failed to enable bus-mastering for %s: %s exited with %d: %s",
			d.BDF, b.sys.SetpciCmd, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	return nil
}

// ResolveDriver maps a --bind argument to a driver name: either one of
// the known driver names, or a path to a kernel module file whose base
// name (without .ko and compression suffixes) names the driver.
func ResolveDriver(value string, reg *DriverRegistry) (string, error) {
	if reg.Known(value) {
		return value, nil
	}

	if strings.ContainsRune(value, filepath.Separator) || strings.Contains(value, ".ko") {
		name := filepath.Base(value)

		for _, suffix := range []string{".zst", ".xz", ".gz", ".ko"} {
			name = strings.TrimSuffix(name, suffix)
		}

		if len(name) > 0 {
			return name, nil
		}
	}

	return "", fmt.Errorf("unknown driver %q: want one of [%s] or a path to a module file",
		value, strings.Join(KnownDrivers, ", "))
}
