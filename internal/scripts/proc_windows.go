//go:build windows

package scripts

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// Windows não tem SIGTERM: o pedido gracioso já é o kill.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}

func killProcess(p *os.Process) error {
	return p.Kill()
}
