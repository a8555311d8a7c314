// Package sysfs provides read and write access to kernel device-model
// control files with an error taxonomy that callers can match on:
// a missing entry, a permission failure and a busy device are different
// conditions and are handled differently by the probing and binding code.
package sysfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var (
	// ErrNotPresent means the requested sysfs entry does not exist.
	// For optional attributes (driver symlink, iommu_group) this is
	// valid data, not a failure.
	ErrNotPresent = errors.New("sysfs entry not present")

	// ErrPermission means the entry exists but the caller is not
	// allowed to touch it. Writing sysfs control files requires
	// CAP_SYS_ADMIN.
	ErrPermission = errors.New("permission denied")

	// ErrBusy means the kernel refused a write with EBUSY. This
	// happens when the driver core is concurrently claiming the
	// device and is the only retryable write failure.
	ErrBusy = errors.New("device or resource busy")
)

// classify maps OS-level errors onto the package sentinels so that
// callers can use errors.Is instead of inspecting errno values.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		return fmt.Errorf("%w: %s", ErrNotPresent, err)
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return fmt.Errorf("%w: %s", ErrPermission, err)
	case errors.Is(err, unix.EBUSY):
		return fmt.Errorf("%w: %s", ErrBusy, err)
	}

	return err
}

// WriteString writes text followed by a newline to a sysfs control file.
// The file is opened write-only and is not created: control files are
// provided by the kernel, a missing one is reported as ErrNotPresent.
func WriteString(path, text string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return classify(err)
	}
	defer f.Close()

	if _, err := f.WriteString(text + "\n"); err != nil {
		return classify(err)
	}

	return nil
}

// ReadString returns the trimmed content of a sysfs attribute.
func ReadString(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", classify(err)
	}

	return strings.TrimSpace(string(b)), nil
}

// ReadInt returns a sysfs attribute parsed as a decimal integer.
func ReadInt(path string) (int, error) {
	s, err := ReadString(path)
	if err != nil {
		return 0, err
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unexpected content in %s: %w", path, err)
	}

	return n, nil
}

// ResolveLink resolves a sysfs symlink and returns the base name of its
// target (e.g. the driver name behind a device's "driver" link).
func ResolveLink(path string) (string, error) {
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", classify(err)
	}

	return filepath.Base(target), nil
}

// Exists reports whether a sysfs entry is present.
func Exists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

// ListDir returns the names of all entries in a sysfs directory.
func ListDir(path string) ([]string, error) {
	files, err := os.ReadDir(path)
	if err != nil {
		return nil, classify(err)
	}

	names := make([]string, 0, len(files))

	for _, f := range files {
		names = append(names, f.Name())
	}

	return names, nil
}
