// Package pci implements discovery, state probing and driver (re)binding
// of PCIe devices through the kernel's sysfs device model. It is built
// around switching NVMe controllers between the native kernel driver and
// user-space I/O drivers without a reboot.
package pci

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/safl/upcie/internal/hostcmd"
	"github.com/safl/upcie/internal/sysfs"
)

// ErrMissingProps is returned when a topology block lacks one of the
// mandatory device properties.
var ErrMissingProps = errors.New("missing mandatory device properties")

// Device is one PCI function as reported by the topology scan,
// enriched by the probe steps.
type Device struct {
	BDF       string // e.g. "0000:02:00.0", unique key
	Vendor    string // vendor ID, hex string
	DeviceID  string // device (model) ID, hex string
	ClassCode string // PCI class code, hex string

	Driver     *string // bound kernel driver; nil means unbound
	IOMMUGroup *int    // nil if the platform exposes no group for this device

	// IsUsed starts out true and flips to false only once the handles
	// have been enumerated and found free of open references.
	IsUsed  bool
	Handles []string
}

// mandatoryProps maps topology keys to their Device fields. This is the
// complete translation table: anything else in a block is ignored.
var mandatoryProps = []string{"slot", "vendor", "device", "classcode"}

// DeviceFromProps builds a Device from one parsed topology block.
// All mandatory keys must be present; a block without them is malformed
// and fatal for the scan.
func DeviceFromProps(props map[string]string) (*Device, error) {
	var missing []string

	for _, key := range mandatoryProps {
		if _, ok := props[key]; !ok {
			missing = append(missing, key)
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingProps, strings.Join(missing, ", "))
	}

	return &Device{
		BDF:       props["slot"],
		Vendor:    props["vendor"],
		DeviceID:  props["device"],
		ClassCode: props["classcode"],
		IsUsed:    true,
	}, nil
}

// DriverName returns the bound driver name or "None" for an unbound
// device, matching how the device properties are reported.
func (d *Device) DriverName() string {
	if d.Driver == nil {
		return "None"
	}

	return *d.Driver
}

// System is the host seen through sysfs and a handful of external
// tools. The path roots and the command runner are fields so that
// tests can point them at a fabricated tree and canned tool output.
type System struct {
	DevicesRoot string // /sys/bus/pci/devices
	DriversRoot string // /sys/bus/pci/drivers
	DevRoot     string // /dev

	LspciCmd  string
	LsofCmd   string
	SetpciCmd string

	Runner hostcmd.Runner
}

func NewSystem(runner hostcmd.Runner) *System {
	return &System{
		DevicesRoot: "/sys/bus/pci/devices",
		DriversRoot: "/sys/bus/pci/drivers",
		DevRoot:     "/dev",
		LspciCmd:    "lspci",
		LsofCmd:     "lsof",
		SetpciCmd:   "setpci",
		Runner:      runner,
	}
}

func (s *System) devicePath(d *Device, elem ...string) string {
	return filepath.Join(append([]string{s.DevicesRoot, d.BDF}, elem...)...)
}

func (s *System) driverPath(name string, elem ...string) string {
	return filepath.Join(append([]string{s.DriversRoot, name}, elem...)...)
}

// Probe enriches the device with everything the later decisions depend
// on. The order is a contract: usage determination requires the handle
// list, and the in-use verdict gates any driver mutation afterwards.
func (s *System) Probe(ctx context.Context, d *Device) error {
	if err := s.ProbeHandles(d); err != nil {
		return err
	}

	if err := s.ProbeUsage(ctx, d); err != nil {
		return err
	}

	if err := s.ProbeDriver(d); err != nil {
		return err
	}

	return s.ProbeIOMMUGroup(d)
}

// ProbeHandles enumerates the controller and namespace objects beneath
// the device's nvme subtree and collects the matching /dev nodes.
func (s *System) ProbeHandles(d *Device) error {
	tops, err := filepath.Glob(s.devicePath(d, "nvme", "nvme*"))
	if err != nil {
		return err
	}

	for _, top := range tops {
		for _, pattern := range []string{"ng*", "nvme*"} {
			objects, err := filepath.Glob(filepath.Join(top, pattern))
			if err != nil {
				return err
			}

			for _, obj := range objects {
				nodes, err := filepath.Glob(filepath.Join(s.DevRoot, filepath.Base(obj)+"*"))
				if err != nil {
					return err
				}

				d.Handles = append(d.Handles, nodes...)
			}
		}
	}

	return nil
}

// ProbeUsage determines whether any of the device's handles is held
// open. A device without handles is not in use and requires no
// external call. Requires ProbeHandles to have run first.
func (s *System) ProbeUsage(ctx context.Context, d *Device) error {
	if len(d.Handles) == 0 {
		d.IsUsed = false
		return nil
	}

	res, err := s.Runner.Run(ctx, s.LsofCmd+" "+strings.Join(d.Handles, " "))
	if err != nil {
		return fmt.Errorf("failed to check open references: %w", err)
	}

	d.IsUsed = len(res.Stdout) > 0

	return nil
}

// ProbeDriver resolves the device's driver symlink. An unbound device
// has no such link, which is a valid state, not an error.
func (s *System) ProbeDriver(d *Device) error {
	name, err := sysfs.ResolveLink(s.devicePath(d, "driver"))
	if err != nil {
		if errors.Is(err, sysfs.ErrNotPresent) {
			return nil
		}
		return err
	}

	d.Driver = &name

	return nil
}

// ProbeIOMMUGroup resolves the device's iommu_group symlink. Platforms
// without an IOMMU expose no link; the group stays absent.
func (s *System) ProbeIOMMUGroup(d *Device) error {
	name, err := sysfs.ResolveLink(s.devicePath(d, "iommu_group"))
	if err != nil {
		if errors.Is(err, sysfs.ErrNotPresent) {
			return nil
		}
		return err
	}

	group, err := strconv.Atoi(name)
	if err != nil {
		return fmt.Errorf("unexpected iommu group %q for %s: %w", name, d.BDF, err)
	}

	d.IOMMUGroup = &group

	return nil
}
