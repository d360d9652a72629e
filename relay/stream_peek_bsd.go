//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package relay

// fionread is FIONREAD, _IOR('f', 127, int). x/sys/unix does not export it for these platforms.
const fionread = 0x4004667f
