//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd)

package uidmng

import "errors"

var errUnsupported = errors.New("effective identity switching is not supported on this platform")

// credentials reports a non-root identity which can never be switched.
func credentials() system {
	nobody := func() int { return 65534 }
	fail := func(int) error { return errUnsupported }

	return system{
		getuid:  nobody,
		getgid:  nobody,
		geteuid: nobody,
		getegid: nobody,
		setegid: fail,
		seteuid: fail,
	}
}
