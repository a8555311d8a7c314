// Package hugepages inspects and configures the kernel hugepage pools
// via /sys/kernel/mm/hugepages and mounts hugetlbfs instances.
package hugepages

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/safl/upcie/internal/hostcmd"
	"github.com/safl/upcie/internal/sysfs"

	log "github.com/sirupsen/logrus"
)

const DefaultMountpoint = "/dev/hugepages"

// Pool is the state of one hugepage pool size.
type Pool struct {
	SizeKB   int
	Total    int
	Free     int
	Reserved int
}

// Mountpoint is one mounted hugetlbfs instance.
type Mountpoint struct {
	Path    string
	Options string
}

// Manager reads and sizes the hugepage pools. The roots are fields so
// tests can run against a fabricated tree.
type Manager struct {
	SysfsRoot  string // /sys/kernel/mm/hugepages
	MountsFile string // /proc/mounts
	Runner     hostcmd.Runner
}

func NewManager(runner hostcmd.Runner) *Manager {
	return &Manager{
		SysfsRoot:  "/sys/kernel/mm/hugepages",
		MountsFile: "/proc/mounts",
		Runner:     runner,
	}
}

func (m *Manager) poolDir(sizeKB int) string {
	return filepath.Join(m.SysfsRoot, fmt.Sprintf("hugepages-%dkB", sizeKB))
}

// Sizes returns the pool sizes the kernel supports, in kB, ascending.
func (m *Manager) Sizes() ([]int, error) {
	names, err := sysfs.ListDir(m.SysfsRoot)
	if err != nil {
		return nil, err
	}

	var sizes []int

	for _, name := range names {
		s := strings.TrimSuffix(strings.TrimPrefix(name, "hugepages-"), "kB")

		size, err := strconv.Atoi(s)
		if err != nil {
			continue
		}

		sizes = append(sizes, size)
	}

	sort.Ints(sizes)

	return sizes, nil
}

// Pools returns the current state of every supported pool.
func (m *Manager) Pools() ([]Pool, error) {
	sizes, err := m.Sizes()
	if err != nil {
		return nil, err
	}

	pools := make([]Pool, 0, len(sizes))

	for _, size := range sizes {
		pool := Pool{SizeKB: size}

		dir := m.poolDir(size)

		if pool.Total, err = sysfs.ReadInt(filepath.Join(dir, "nr_hugepages")); err != nil {
			return nil, err
		}

		if pool.Free, err = sysfs.ReadInt(filepath.Join(dir, "free_hugepages")); err != nil {
			return nil, err
		}

		if pool.Reserved, err = sysfs.ReadInt(filepath.Join(dir, "resv_hugepages")); err != nil {
			return nil, err
		}

		pools = append(pools, pool)
	}

	return pools, nil
}

// Setup requests count pages in the pool of the given size and
// re-reads the pool to check how many the kernel actually reserved.
// The kernel silently caps the pool when memory is too fragmented, so
// the write succeeding does not mean the request was honored.
func (m *Manager) Setup(sizeKB, count int) error {
	target := filepath.Join(m.poolDir(sizeKB), "nr_hugepages")

	if !sysfs.Exists(target) {
		return fmt.Errorf("invalid hugepage size: %dkB", sizeKB)
	}

	if err := sysfs.WriteString(target, strconv.Itoa(count)); err != nil {
		return err
	}

	actual, err := sysfs.ReadInt(target)
	if err != nil {
		return fmt.Errorf("failed to verify hugepage allocation: %w", err)
	}

	switch {
	case actual == 0 && count > 0:
		return fmt.Errorf("no hugepages were reserved out of count(%d) for size(%d) kB", count, sizeKB)
	case actual < count:
		log.Warnf("only %d hugepage(s) were reserved out of count(%d) for size(%d) kB", actual, count, sizeKB)
	}

	return nil
}

// Mounts returns the hugetlbfs instances currently mounted.
func (m *Manager) Mounts() ([]Mountpoint, error) {
	f, err := os.Open(m.MountsFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var mounts []Mountpoint

	scanner := bufio.NewScanner(f)

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[2] != "hugetlbfs" {
			continue
		}

		mounts = append(mounts, Mountpoint{Path: fields[1], Options: fields[3]})
	}

	return mounts, scanner.Err()
}

// Mount mounts a hugetlbfs instance at the given directory, creating
// it if needed. A zero pagesize means the kernel's default size.
func (m *Manager) Mount(ctx context.Context, mountpoint string, pagesizeKB int) error {
	if mountpoint == "" {
		mountpoint = DefaultMountpoint
	}

	if !sysfs.Exists(mountpoint) {
		if err := os.MkdirAll(mountpoint, 0755); err != nil {
			return err
		}
	}

	cmdline := fmt.Sprintf("mount -t hugetlbfs nodev %s", mountpoint)
	if pagesizeKB > 0 {
		cmdline += fmt.Sprintf(" -o pagesize=%dk", pagesizeKB)
	}

	res, err := m.Runner.Run(ctx, cmdline)
	if err != nil {
		return fmt.Errorf("failed to mount hugetlbfs: %w", err)
	}

	if res.ExitCode != 0 {
		return fmt.Errorf("failed to mount hugetlbfs: %s", strings.TrimSpace(res.Stderr))
	}

	return nil
}
