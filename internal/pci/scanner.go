package pci

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
)

// DefaultClassCode is the PCI class of mass-storage/NVM devices.
const DefaultClassCode uint32 = 0x0108

// Scan enumerates the PCI topology and returns one probed Device per
// function whose class code matches the requested one, in scan order.
// A malformed matching block aborts the whole scan.
func (s *System) Scan(ctx context.Context, classcode uint32) ([]*Device, error) {
	res, err := s.Runner.Run(ctx, s.LspciCmd+" -Dvmmnk")
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate the pci topology: %w", err)
	}

	if res.ExitCode != 0 {
		return nil, fmt.Errorf("failed to enumerate the pci topology: %s exited with %d: %s",
			s.LspciCmd, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	var devices []*Device

	flush := func(props map[string]string) error {
		if len(props) == 0 {
			return nil
		}

		code, err := strconv.ParseUint(props["classcode"], 16, 32)
		if err != nil {
			// No classcode key at all is treated as class 0
			if _, ok := props["classcode"]; !ok {
				code = 0
			} else {
				return fmt.Errorf("bad classcode %q in topology block: %w", props["classcode"], err)
			}
		}

		if uint32(code) != classcode {
			return nil
		}

		dev, err := DeviceFromProps(props)
		if err != nil {
			return err
		}

		if err := s.Probe(ctx, dev); err != nil {
			return err
		}

		devices = append(devices, dev)

		return nil
	}

	props := make(map[string]string)

	scanner := bufio.NewScanner(strings.NewReader(res.Stdout))

	for scanner.Scan() {
		line := scanner.Text()

		if len(strings.TrimSpace(line)) == 0 {
			if err := flush(props); err != nil {
				return nil, err
			}
			props = make(map[string]string)
			continue
		}

		key, val, found := strings.Cut(line, ":")
		if !found {
			continue
		}

		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.ToLower(strings.TrimSpace(val))

		// lspci reports the class code under "Class"
		if key == "class" {
			key = "classcode"
		}

		props[key] = val
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if err := flush(props); err != nil {
		return nil, err
	}

	return devices, nil
}
