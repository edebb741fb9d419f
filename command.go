package uidmng

import (
	"context"
)

// Run runs a program under the current effective identity and waits for it to
// exit. The program's exit status is reported in the Output.
func (m *Manager) Run(ctx context.Context, name string, args ...string) (*Output, error) {
	identityMu.RLock()
	defer identityMu.RUnlock()

	return m.run(ctx, name, args...)
}

// run implements Run. The caller must hold identityMu.
func (m *Manager) run(ctx context.Context, name string, args ...string) (*Output, error) {
	return m.sys.exec(ctx, command{Name: name, Args: args})
}

// RunAsUser runs a program as the invoking user. If the process is elevated,
// it is lowered for the duration of the program and elevated again afterward.
//
// If the program ran but root could not be restored, the Output is returned
// along with a *RestoreError.
func (m *Manager) RunAsUser(ctx context.Context, name string, args ...string) (*Output, error) {
	var out *Output
	err := m.asUser("run", func() error {
		var err error
		out, err = m.run(ctx, name, args...)
		return err
	})

	return out, err
}

// RunAsRoot runs a program as root. If the process is not elevated, it is
// elevated for the duration of the program and lowered again afterward.
//
// When the process has no real root capability, the program is run through
// the elevation helper if the elevation policy allows it. Otherwise
// ErrPermissionDenied is returned.
func (m *Manager) RunAsRoot(ctx context.Context, name string, args ...string) (*Output, error) {
	var out *Output
	ran, err := m.asRoot("run", func() error {
		var err error
		out, err = m.run(ctx, name, args...)
		return err
	})
	if ran {
		return out, err
	}

	if err := m.fallback("run", err); err != nil {
		return nil, err
	}

	return m.runHelper(ctx, name, args...)
}

// RunViaHelper runs a program through the elevation helper, which is
// responsible for any authentication. The process's own identity is not
// changed. RunViaHelper does not consult the elevation policy.
func (m *Manager) RunViaHelper(ctx context.Context, name string, args ...string) (*Output, error) {
	m.mm.helperCalls(1.0, "run")
	return m.runHelper(ctx, name, args...)
}

// runHelper invokes the helper with the program and its arguments appended.
func (m *Manager) runHelper(ctx context.Context, name string, args ...string) (*Output, error) {
	return m.sys.exec(ctx, m.helperCommand(append([]string{name}, args...)...))
}

// helperCommand builds an invocation of the helper with its configured flags.
func (m *Manager) helperCommand(args ...string) command {
	hargs := make([]string, 0, len(m.helperArgs)+len(args))
	hargs = append(hargs, m.helperArgs...)
	hargs = append(hargs, args...)

	return command{Name: m.helper, Args: hargs}
}

// RunBestEffort runs a program under the current effective identity. If it
// exits with a failure status, the process is not elevated, and some path to
// root exists (real root capability, or an allowed helper), it is run exactly
// once more with RunAsRoot.
//
// Failures to start the program are returned without a retry.
func (m *Manager) RunBestEffort(ctx context.Context, name string, args ...string) (*Output, error) {
	identityMu.RLock()
	out, err := m.run(ctx, name, args...)
	retry := err == nil && !out.Success() && !m.IsElevated() && m.canElevate()
	identityMu.RUnlock()

	if !retry {
		return out, err
	}

	m.ll.Printf("%s exited with status %d, retrying as root", name, out.ExitCode)
	m.mm.retries(1.0, "run")

	return m.RunAsRoot(ctx, name, args...)
}

// Command runs a program under the current effective identity using the
// default Manager.
func Command(ctx context.Context, name string, args ...string) (*Output, error) {
	return Default().Run(ctx, name, args...)
}

// CommandAsUser runs a program as the invoking user using the default Manager.
func CommandAsUser(ctx context.Context, name string, args ...string) (*Output, error) {
	return Default().RunAsUser(ctx, name, args...)
}

// CommandAsRoot runs a program as root using the default Manager.
func CommandAsRoot(ctx context.Context, name string, args ...string) (*Output, error) {
	return Default().RunAsRoot(ctx, name, args...)
}

// CommandTry runs a program with RunBestEffort using the default Manager.
func CommandTry(ctx context.Context, name string, args ...string) (*Output, error) {
	return Default().RunBestEffort(ctx, name, args...)
}
