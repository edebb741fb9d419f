//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package uidmng

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// credentials binds the credential primitives to the operating system. The
// syscall package setters apply to every thread in the process.
func credentials() system {
	return system{
		getuid:  unix.Getuid,
		getgid:  unix.Getgid,
		geteuid: unix.Geteuid,
		getegid: unix.Getegid,
		setegid: syscall.Setegid,
		seteuid: syscall.Seteuid,
	}
}
