package uidmng

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// writeScript is run by the helper's shell. The path is passed as $1 and is
// never interpolated into the script.
const writeScript = `cat > "$1"`

// ReadFile reads a file under the current effective identity.
func (m *Manager) ReadFile(path string) ([]byte, error) {
	identityMu.RLock()
	defer identityMu.RUnlock()

	return m.readFile(path)
}

// readFile implements ReadFile. The caller must hold identityMu.
func (m *Manager) readFile(path string) ([]byte, error) {
	b, err := m.sys.readFile(path)
	if err != nil {
		return nil, fmt.Errorf("uidmng: read %s: %w: %w", path, ErrIO, err)
	}

	return b, nil
}

// WriteFile writes a file under the current effective identity, creating it
// with the configured file mode if needed.
func (m *Manager) WriteFile(path string, data []byte) error {
	identityMu.RLock()
	defer identityMu.RUnlock()

	return m.writeFile(path, data)
}

// writeFile implements WriteFile. The caller must hold identityMu.
func (m *Manager) writeFile(path string, data []byte) error {
	if err := m.sys.writeFile(path, data, m.fileMode); err != nil {
		return fmt.Errorf("uidmng: write %s: %w: %w", path, ErrIO, err)
	}

	return nil
}

// ReadFileAsUser reads a file as the invoking user. If the data was read but
// root could not be restored, the data is returned along with a
// *RestoreError.
//
// If ctx is done before the switch, its error is returned.
func (m *Manager) ReadFileAsUser(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var b []byte
	err := m.asUser("read", func() error {
		var err error
		b, err = m.readFile(path)
		return err
	})

	return b, err
}

// WriteFileAsUser writes a file as the invoking user, so a created file is
// owned by that user.
func (m *Manager) WriteFileAsUser(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return m.asUser("write", func() error {
		return m.writeFile(path, data)
	})
}

// ReadFileAsRoot reads a file as root, falling back to the elevation helper
// when the process has no real root capability and the elevation policy
// allows it.
func (m *Manager) ReadFileAsRoot(ctx context.Context, path string) ([]byte, error) {
	var b []byte
	ran, err := m.asRoot("read", func() error {
		var err error
		b, err = m.readFile(path)
		return err
	})
	if ran {
		return b, err
	}

	if err := m.fallback("read", err); err != nil {
		return nil, err
	}

	return m.helperRead(ctx, path)
}

// WriteFileAsRoot writes a file as root, falling back to the elevation helper
// when the process has no real root capability and the elevation policy
// allows it. A file created by the helper is owned by the helper's identity.
func (m *Manager) WriteFileAsRoot(ctx context.Context, path string, data []byte) error {
	ran, err := m.asRoot("write", func() error {
		return m.writeFile(path, data)
	})
	if ran {
		return err
	}

	if err := m.fallback("write", err); err != nil {
		return err
	}

	return m.helperWrite(ctx, path, data)
}

// ReadFileTry reads a file under the current effective identity, and retries
// once with ReadFileAsRoot if that fails, the process is not elevated, and
// some path to root exists.
func (m *Manager) ReadFileTry(ctx context.Context, path string) ([]byte, error) {
	identityMu.RLock()
	b, err := m.readFile(path)
	retry := m.shouldRetry("read", err)
	identityMu.RUnlock()

	if !retry {
		return b, err
	}

	return m.ReadFileAsRoot(ctx, path)
}

// WriteFileTry writes a file under the current effective identity, and
// retries once with WriteFileAsRoot if that fails, the process is not
// elevated, and some path to root exists.
func (m *Manager) WriteFileTry(ctx context.Context, path string, data []byte) error {
	identityMu.RLock()
	err := m.writeFile(path, data)
	retry := m.shouldRetry("write", err)
	identityMu.RUnlock()

	if !retry {
		return err
	}

	return m.WriteFileAsRoot(ctx, path, data)
}

// shouldRetry reports whether a failed plain file operation may be retried
// as root. The caller must hold identityMu.
func (m *Manager) shouldRetry(op string, err error) bool {
	if !errors.Is(err, ErrIO) || m.IsElevated() || !m.canElevate() {
		return false
	}

	m.ll.Printf("%v, retrying as root", err)
	m.mm.retries(1.0, op)
	return true
}

// helperRead has the helper print the file to its standard output. Partial
// output from a failed helper is discarded.
func (m *Manager) helperRead(ctx context.Context, path string) ([]byte, error) {
	out, err := m.sys.exec(ctx, m.helperCommand("cat", "--", path))
	if err != nil {
		return nil, err
	}

	if !out.Success() {
		return nil, helperError("read", path, out)
	}

	return out.Stdout, nil
}

// helperWrite streams data to the helper, which writes it to path.
func (m *Manager) helperWrite(ctx context.Context, path string, data []byte) error {
	c := m.helperCommand("sh", "-c", writeScript, "sh", path)
	c.Stdin = bytes.NewReader(data)

	out, err := m.sys.exec(ctx, c)
	if err != nil {
		return err
	}

	if !out.Success() {
		return helperError("write", path, out)
	}

	return nil
}

// helperError describes a helper which exited with a failure status.
func helperError(op, path string, out *Output) error {
	msg := string(bytes.TrimSpace(out.Stderr))
	if msg == "" {
		msg = "no error output"
	}

	return fmt.Errorf("uidmng: %s %s via helper: exit status %d: %s: %w",
		op, path, out.ExitCode, msg, ErrIO)
}

// ReadFileAsRoot reads a file as root using the default Manager.
func ReadFileAsRoot(ctx context.Context, path string) ([]byte, error) {
	return Default().ReadFileAsRoot(ctx, path)
}

// WriteFileAsRoot writes a file as root using the default Manager.
func WriteFileAsRoot(ctx context.Context, path string, data []byte) error {
	return Default().WriteFileAsRoot(ctx, path, data)
}

// ReadFileAsUser reads a file as the invoking user using the default Manager.
func ReadFileAsUser(ctx context.Context, path string) ([]byte, error) {
	return Default().ReadFileAsUser(ctx, path)
}

// WriteFileAsUser writes a file as the invoking user using the default
// Manager.
func WriteFileAsUser(ctx context.Context, path string, data []byte) error {
	return Default().WriteFileAsUser(ctx, path, data)
}

// ReadFileTry reads a file, retrying as root on failure, using the default
// Manager.
func ReadFileTry(ctx context.Context, path string) ([]byte, error) {
	return Default().ReadFileTry(ctx, path)
}

// WriteFileTry writes a file, retrying as root on failure, using the default
// Manager.
func WriteFileTry(ctx context.Context, path string, data []byte) error {
	return Default().WriteFileTry(ctx, path, data)
}
