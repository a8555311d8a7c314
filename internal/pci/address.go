package pci

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a PCI function address (BDF with an optional domain).
type Address struct {
	Domain   uint16
	Bus      uint8
	Device   uint8
	Function uint8
}

// AddressFromHex parses an address in the '[domain:]bus:device.function'
// form. A missing or empty domain means domain 0.
func AddressFromHex(s string) (*Address, error) {
	var addr Address

	ff := strings.Split(s, ":")

	switch len(ff) {
	case 3:
		if d := strings.TrimSpace(ff[0]); len(d) > 0 {
			v, err := strconv.ParseUint(d, 16, 16)
			if err != nil {
				return nil, err
			}
			addr.Domain = uint16(v)
		}
		ff = ff[1:]
	case 2:
	default:
		return nil, fmt.Errorf("bad pci address format: want '[domain:]bus:device.function', given '%s'", s)
	}

	if v, err := strconv.ParseUint(ff[0], 16, 8); err == nil {
		addr.Bus = uint8(v)
	} else {
		return nil, err
	}

	devfn := strings.SplitN(ff[1], ".", 2)

	if v, err := strconv.ParseUint(devfn[0], 16, 8); err == nil {
		if v > 0x1f {
			return nil, fmt.Errorf("a device cannot be a number larger than 0x1f")
		}
		addr.Device = uint8(v)
	} else {
		return nil, err
	}

	if len(devfn) == 2 {
		if v, err := strconv.ParseUint(devfn[1], 16, 8); err == nil {
			if v > 7 {
				return nil, fmt.Errorf("a function cannot be a number larger than 0x7")
			}
			addr.Function = uint8(v)
		} else {
			return nil, err
		}
	}

	return &addr, nil
}

// String returns the fully-qualified lower-case form, e.g. "0000:02:00.0".
// This is the form sysfs uses for device directory names.
func (a *Address) String() string {
	return fmt.Sprintf("%.4x:%.2x:%.2x.%x", a.Domain, a.Bus, a.Device, a.Function)
}

// Prefix returns the address without the function part.
func (a *Address) Prefix() string {
	return fmt.Sprintf("%.4x:%.2x:%.2x", a.Domain, a.Bus, a.Device)
}
