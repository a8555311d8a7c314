package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/safl/upcie/internal/hostcmd"
	"github.com/safl/upcie/internal/hugepages"
	"github.com/safl/upcie/internal/sysfs"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"
)

func main() {
	mgr := hugepages.NewManager(hostcmd.LocalRunner{})

	app := cli.NewApp()

	app.Name = "hugepages"
	app.Usage = "inspect and configure hugepages on Linux"
	app.HideHelpCommand = true

	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable verbose logging",
		},
	}

	app.Before = func(c *cli.Context) error {
		if c.Bool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	}

	app.Commands = []*cli.Command{
		{
			Name:  "info",
			Usage: "show hugepage status and capabilities",
			Action: func(c *cli.Context) error {
				return showInfo(mgr)
			},
		},
		{
			Name:  "setup",
			Usage: "configure a hugepage pool",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "size", Usage: "hugepage size in kB (default: the smallest supported)"},
				&cli.IntFlag{Name: "count", Required: true, Usage: "number of pages to reserve"},
			},
			Action: func(c *cli.Context) error {
				size := c.Int("size")

				if size == 0 {
					sizes, err := mgr.Sizes()
					if err != nil {
						return err
					}
					if len(sizes) == 0 {
						return fmt.Errorf("the kernel reports no hugepage support")
					}
					size = sizes[0]
				}

				return mgr.Setup(size, c.Int("count"))
			},
		},
		{
			Name:  "mount",
			Usage: "mount hugetlbfs",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "mountpoint", Usage: "mount location (default: " + hugepages.DefaultMountpoint + ")"},
				&cli.IntFlag{Name: "pagesize", Usage: "optional hugepage size in kB"},
			},
			Action: func(c *cli.Context) error {
				mountpoint := c.String("mountpoint")

				if err := mgr.Mount(c.Context, mountpoint, c.Int("pagesize")); err != nil {
					return err
				}

				if mountpoint == "" {
					mountpoint = hugepages.DefaultMountpoint
				}

				fmt.Printf("Mounted hugetlbfs at %s\n", mountpoint)

				return nil
			},
		},
	}

	app.Action = func(c *cli.Context) error {
		cli.ShowAppHelp(c)
		return fmt.Errorf("no command specified")
	}

	if err := app.Run(os.Args); err != nil {
		exitWithError(err)
	}
}

func showInfo(mgr *hugepages.Manager) error {
	pools, err := mgr.Pools()
	if err != nil {
		return err
	}

	fmt.Println("Hugepage Support:")

	for _, pool := range pools {
		fmt.Printf("  Size: %d  Total: %d  Free: %d  Reserved: %d\n",
			pool.SizeKB, pool.Total, pool.Free, pool.Reserved)
	}

	mounts, err := mgr.Mounts()
	if err != nil {
		return err
	}

	for _, m := range mounts {
		fmt.Printf("  Mounted: %s (%s)\n", m.Path, m.Options)
	}

	return nil
}

func exitWithError(err error) {
	fmt.Println(err)

	if errors.Is(err, sysfs.ErrPermission) || os.IsPermission(err) {
		fmt.Println("You need to have CAP_SYS_ADMIN e.g. run as 'root' or with 'sudo'")
		os.Exit(int(unix.EPERM))
	}

	os.Exit(1)
}
