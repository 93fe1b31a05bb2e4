//go:build unix && !linux

package jobserver

// fionread is FIONREAD, _IOR('f', 127, int), which golang.org/x/sys/unix
// does not export for these systems.
const fionread = 0x4004667f
