// Package appconf loads the optional upcie configuration file.
// Everything has a built-in default; the file only overrides.
package appconf

import (
	"fmt"
	"os"

	"gopkg.in/gcfg.v1"
)

const DefaultConfigFile = "/etc/upcie/upcie.conf"

type DevbindParams struct {
	ClassCode    string `gcfg:"classcode"`
	BindAttempts int    `gcfg:"bind-attempts"`
}

type ToolsParams struct {
	Lspci  string `gcfg:"lspci"`
	Lsof   string `gcfg:"lsof"`
	Setpci string `gcfg:"setpci"`
}

// Config represents the upcie host-tooling configuration.
type Config struct {
	Devbind DevbindParams
	Tools   ToolsParams
}

// NewConfig reads and parses the configuration file and returns a new
// instance of Config. A missing file is not an error: the defaults
// apply as-is.
func NewConfig(p string) (*Config, error) {
	cfg := Config{
		Devbind: DevbindParams{
			ClassCode:    "0x0108",
			BindAttempts: 10,
		},
		Tools: ToolsParams{
			Lspci:  "lspci",
			Lsof:   "lsof",
			Setpci: "setpci",
		},
	}

	if err := gcfg.ReadFileInto(&cfg, p); err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to parse config file: %s", err)
	}

	return &cfg, nil
}
