package uidmng

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
)

const (
	testUID = 1000
	testGID = 1000
)

// A fakeFile is a file in a fakeSystem.
type fakeFile struct {
	data     []byte
	uid, gid int
	mode     os.FileMode
}

// A fakeSystem emulates process credentials, a permission checked filesystem,
// and a sudo-like helper.
type fakeSystem struct {
	mu sync.Mutex

	ruid, rgid int
	euid, egid int
	suid, sgid int

	env   map[string]string
	files map[string]fakeFile

	// helper reports whether "sudo" is installed.
	helper bool

	// failSet forces setegid/seteuid to fail for specific targets, keyed by
	// "setegid(n)" or "seteuid(n)".
	failSet map[string]error

	// calls records every credential change and exec in order.
	calls []string
}

// rootProcess emulates a process started with sudo: real and effective
// identity are root, and the environment names the invoking user.
func rootProcess() *fakeSystem {
	return &fakeSystem{
		env: map[string]string{
			DefaultUIDEnv: fmt.Sprint(testUID),
			DefaultGIDEnv: fmt.Sprint(testGID),
		},
		files:  make(map[string]fakeFile),
		helper: true,
	}
}

// userProcess emulates a process started by an unprivileged user without any
// root capability.
func userProcess() *fakeSystem {
	return &fakeSystem{
		ruid: testUID, rgid: testGID,
		euid: testUID, egid: testGID,
		suid: testUID, sgid: testGID,

		env:    make(map[string]string),
		files:  make(map[string]fakeFile),
		helper: true,
	}
}

// testManager creates a Manager backed by f.
func testManager(t *testing.T, f *fakeSystem, cfg Config) *Manager {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	return newManager(cfg, f.system())
}

func (f *fakeSystem) system() system {
	return system{
		getuid:    func() int { return f.get(&f.ruid) },
		getgid:    func() int { return f.get(&f.rgid) },
		geteuid:   func() int { return f.get(&f.euid) },
		getegid:   func() int { return f.get(&f.egid) },
		setegid:   f.setegid,
		seteuid:   f.seteuid,
		lookupEnv: f.lookupEnv,
		readFile:  f.readFile,
		writeFile: f.writeFile,
		exec:      f.exec,
	}
}

func (f *fakeSystem) get(v *int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *v
}

func (f *fakeSystem) lookupEnv(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.env[key]
	return v, ok
}

func (f *fakeSystem) setegid(gid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := fmt.Sprintf("setegid(%d)", gid)
	f.calls = append(f.calls, call)
	if err := f.failSet[call]; err != nil {
		return err
	}

	if f.euid != 0 && gid != f.rgid && gid != f.sgid && gid != f.egid {
		return syscall.EPERM
	}

	f.egid = gid
	return nil
}

func (f *fakeSystem) seteuid(uid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := fmt.Sprintf("seteuid(%d)", uid)
	f.calls = append(f.calls, call)
	if err := f.failSet[call]; err != nil {
		return err
	}

	if f.euid != 0 && uid != f.ruid && uid != f.suid && uid != f.euid {
		return syscall.EPERM
	}

	f.euid = uid
	return nil
}

func (f *fakeSystem) readFile(name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readAs(f.euid, f.egid, name)
}

func (f *fakeSystem) writeFile(name string, data []byte, perm os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeAs(f.euid, f.egid, name, data, perm)
}

// allowed checks the permission bits in mask (read 04, write 02) for uid/gid.
func (ff fakeFile) allowed(uid, gid int, mask os.FileMode) bool {
	switch {
	case uid == 0:
		return true
	case uid == ff.uid:
		return ff.mode&(mask<<6) != 0
	case gid == ff.gid:
		return ff.mode&(mask<<3) != 0
	default:
		return ff.mode&mask != 0
	}
}

func (f *fakeSystem) readAs(uid, gid int, name string) ([]byte, error) {
	ff, ok := f.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	if !ff.allowed(uid, gid, 04) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrPermission}
	}

	return append([]byte{}, ff.data...), nil
}

func (f *fakeSystem) writeAs(uid, gid int, name string, data []byte, perm os.FileMode) error {
	// Nobody, not even root, may write under /read-only.
	if strings.HasPrefix(name, "/read-only/") {
		return &fs.PathError{Op: "open", Path: name, Err: syscall.EROFS}
	}

	ff, ok := f.files[name]
	if ok {
		if !ff.allowed(uid, gid, 02) {
			return &fs.PathError{Op: "open", Path: name, Err: fs.ErrPermission}
		}

		ff.data = append([]byte{}, data...)
		f.files[name] = ff
		return nil
	}

	// Only root may create files under /root-only.
	if uid != 0 && strings.HasPrefix(name, "/root-only/") {
		return &fs.PathError{Op: "open", Path: name, Err: fs.ErrPermission}
	}

	f.files[name] = fakeFile{
		data: append([]byte{}, data...),
		uid:  uid,
		gid:  gid,
		mode: perm &^ 0o022,
	}
	return nil
}

func (f *fakeSystem) exec(_ context.Context, c command) (*Output, error) {
	var stdin []byte
	if c.Stdin != nil {
		b, err := io.ReadAll(c.Stdin)
		if err != nil {
			return nil, err
		}
		stdin = b
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, strings.Join(append([]string{c.Name}, c.Args...), " "))

	if c.Name != "sudo" {
		return f.program(f.euid, f.egid, c.Name, c.Args)
	}
	if !f.helper {
		return nil, fmt.Errorf("sudo: %w: %w", ErrSpawn, fs.ErrNotExist)
	}

	// Skip helper flags such as -n.
	args := c.Args
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		args = args[1:]
	}
	if len(args) == 0 {
		return &Output{ExitCode: 1, Stderr: []byte("usage: sudo command")}, nil
	}

	if args[0] == "sh" && len(args) == 5 && args[2] == writeScript {
		if err := f.writeAs(0, 0, args[4], stdin, 0o666); err != nil {
			return &Output{ExitCode: 1, Stderr: []byte(err.Error())}, nil
		}
		return &Output{}, nil
	}

	return f.program(0, 0, args[0], args[1:])
}

// program emulates a handful of programs run as uid/gid.
func (f *fakeSystem) program(uid, gid int, name string, args []string) (*Output, error) {
	switch name {
	case "true":
		return &Output{}, nil
	case "false":
		return &Output{ExitCode: 1}, nil
	case "id":
		return &Output{Stdout: []byte(fmt.Sprintf("uid=%d gid=%d", uid, gid))}, nil
	case "cat":
		if len(args) == 2 && args[0] == "--" {
			args = args[1:]
		}

		var out Output
		for _, a := range args {
			b, err := f.readAs(uid, gid, a)
			if err != nil {
				out.ExitCode = 1
				out.Stderr = append(out.Stderr, err.Error()...)
				continue
			}
			out.Stdout = append(out.Stdout, b...)
		}
		return &out, nil
	case "touch":
		var out Output
		for _, a := range args {
			if _, ok := f.files[a]; ok {
				continue
			}
			if err := f.writeAs(uid, gid, a, nil, 0o666); err != nil {
				out.ExitCode = 1
				out.Stderr = append(out.Stderr, err.Error()...)
			}
		}
		return &out, nil
	default:
		return nil, fmt.Errorf("%s: %w: %w", name, ErrSpawn, fs.ErrNotExist)
	}
}

// effective returns the current effective identity.
func (f *fakeSystem) effective() Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Identity{UID: uint32(f.euid), GID: uint32(f.egid)}
}

// resetCalls clears the recorded calls.
func (f *fakeSystem) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// execs returns the recorded exec calls, ignoring credential changes.
func (f *fakeSystem) execs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, c := range f.calls {
		if !strings.HasPrefix(c, "sete") {
			out = append(out, c)
		}
	}
	return out
}

// file returns a file, if it exists.
func (f *fakeSystem) file(name string) (fakeFile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff, ok := f.files[name]
	return ff, ok
}
