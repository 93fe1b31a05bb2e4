//go:build linux

package jobserver

import "golang.org/x/sys/unix"

// fionread is the ioctl that reports the bytes queued on a pipe.
const fionread = unix.TIOCINQ
