package uidmng

import (
	"context"
	"io"
	"os"
)

// A system is the set of operating system primitives a Manager relies on.
// Tests swap these out for fakes.
type system struct {
	getuid  func() int
	getgid  func() int
	geteuid func() int
	getegid func() int
	setegid func(gid int) error
	seteuid func(uid int) error

	lookupEnv func(key string) (string, bool)
	readFile  func(name string) ([]byte, error)
	writeFile func(name string, data []byte, perm os.FileMode) error

	exec func(ctx context.Context, c command) (*Output, error)
}

// A command is a program invocation for system.exec.
type command struct {
	Name string
	Args []string

	// Stdin, if set, is streamed to the process and then closed.
	Stdin io.Reader
}

// osSystem returns a system backed by the running process.
func osSystem() system {
	s := credentials()
	s.lookupEnv = os.LookupEnv
	s.readFile = os.ReadFile
	s.writeFile = os.WriteFile
	s.exec = execCommand

	return s
}
