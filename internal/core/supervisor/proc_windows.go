//go:build windows

package supervisor

import "os/exec"

func setProcAttr(cmd *exec.Cmd) {}

// Windows has no SIGTERM for console processes; both steps kill.
func terminate(cmd *exec.Cmd) error { return cmd.Process.Kill() }

func kill(cmd *exec.Cmd) error { return cmd.Process.Kill() }
