package jobserver

import (
	"fmt"
	"os"
	"os/exec"
)

// Configure arranges for cmd to inherit the pool and returns the handoff
// string the child should use. Descriptor pools are passed through
// cmd.ExtraFiles, so the child sees them renumbered from 3 upward.
func (c *Client) Configure(cmd *exec.Cmd) string {
	if c.arg.kind == handoffFifo {
		return c.StringArg()
	}

	r, w := c.store.Files()
	read := 3 + len(cmd.ExtraFiles)
	cmd.ExtraFiles = append(cmd.ExtraFiles, r)
	write := read
	if w != r {
		cmd.ExtraFiles = append(cmd.ExtraFiles, w)
		write = read + 1
	}
	return fmt.Sprintf("%d,%d", read, write)
}

// ConfigureEnv is Configure plus the MAKEFLAGS and CARGO_MAKEFLAGS entries
// that advertise the pool to make and cargo.
func (c *Client) ConfigureEnv(cmd *exec.Cmd) {
	arg := c.Configure(cmd)
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	flags := fmt.Sprintf("-j --jobserver-fds=%s --jobserver-auth=%s", arg, arg)
	cmd.Env = append(cmd.Env, "MAKEFLAGS="+flags, "CARGO_MAKEFLAGS="+flags)
}
