//go:build !unix

package provision

import "os/exec"

func detach(cmd *exec.Cmd) {}
