// Package hostcmd runs host utilities (lspci, lsof, setpci, mount) and
// captures their output. The Runner interface is the seam that lets
// tests substitute canned output for the real host environment.
package hostcmd

import (
	"bytes"
	"context"
	"os/exec"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// Result holds the captured output of a finished command. A non-zero
// exit code is data, not an error: lsof exits non-zero when none of the
// listed files are open.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type Runner interface {
	Run(ctx context.Context, cmdline string) (*Result, error)
}

// LocalRunner executes command lines through the shell on the local host.
type LocalRunner struct{}

func (r LocalRunner) Run(ctx context.Context, cmdline string) (*Result, error) {
	log.Debugf("cmd(%s)", cmdline)

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cmdline)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	code, known := CommandExitCode(err)
	if !known {
		return nil, err
	}

	return &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: code,
	}, nil
}

// CommandExitCode extracts the exit code from an exec.Command error.
// The second return value is false when the command failed to start
// at all (e.g. the binary is not installed).
func CommandExitCode(err error) (int, bool) {
	if err == nil {
		return 0, true
	}

	var exitCode int

	if exiterr, ok := err.(*exec.ExitError); ok {
		status := exiterr.Sys().(syscall.WaitStatus)

		switch {
		case status.Exited():
			exitCode = status.ExitStatus()
		case status.Signaled():
			exitCode = 128 + int(status.Signal())
		}
	} else {
		return 1, false
	}

	return exitCode, true
}
