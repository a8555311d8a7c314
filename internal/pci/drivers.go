package pci

import (
	"github.com/safl/upcie/internal/sysfs"
)

const (
	DriverNVMe        = "nvme"
	DriverVFIO        = "vfio-pci"
	DriverVFIONoIOMMU = "vfio-noiommu"
	DriverUIO         = "uio_pci_generic"
)

// KnownDrivers is the fixed set of drivers the binder knows how to
// work with. Drivers outside this set are not reported on.
var KnownDrivers = []string{DriverNVMe, DriverVFIO, DriverVFIONoIOMMU, DriverUIO}

// DriverRegistry records which of the known drivers the kernel has
// loaded. It is built once per invocation and read-only afterwards.
type DriverRegistry struct {
	available map[string]bool
}

// ProbeDrivers lists the kernel's loaded PCI drivers and classifies
// the known set as available or not.
func (s *System) ProbeDrivers() (*DriverRegistry, error) {
	names, err := sysfs.ListDir(s.DriversRoot)
	if err != nil {
		return nil, err
	}

	loaded := make(map[string]struct{}, len(names))

	for _, name := range names {
		loaded[name] = struct{}{}
	}

	// The availability map is created here, per registry. Sharing one
	// map across registries would let them alias each other's state.
	reg := DriverRegistry{available: make(map[string]bool, len(KnownDrivers))}

	for _, name := range KnownDrivers {
		_, ok := loaded[name]
		reg.available[name] = ok
	}

	return &reg, nil
}

// Known reports whether name belongs to the fixed known driver set.
func (r *DriverRegistry) Known(name string) bool {
	_, ok := r.available[name]

	return ok
}

// Available reports whether the kernel has the named driver loaded.
// Unknown drivers are never available.
func (r *DriverRegistry) Available(name string) bool {
	return r.available[name]
}

// List returns the known driver names in their canonical order.
func (r *DriverRegistry) List() []string {
	names := make([]string, 0, len(r.available))

	for _, name := range KnownDrivers {
		if _, ok := r.available[name]; ok {
			names = append(names, name)
		}
	}

	return names
}
