//go:build !unix

package invoke

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
