package uidmng

import (
	"errors"
	"fmt"
)

// asUser runs fn as the invoking user, then restores root if the process
// was elevated. identityMu is held for the entire span so that no other
// switch or operation can interleave with fn.
func (m *Manager) asUser(op string, fn func() error) error {
	identityMu.Lock()
	defer identityMu.Unlock()

	if !m.IsElevated() {
		return fn()
	}

	if err := m.lower(); err != nil {
		return err
	}

	opErr := fn()
	if err := m.elevate(); err != nil {
		return m.restoreFailed(op, "root", opErr, err)
	}

	return opErr
}

// asRoot runs fn as root, then restores the invoking user if the process was
// not elevated. ran reports whether fn was called; if it was not, err explains
// why the process could not elevate.
func (m *Manager) asRoot(op string, fn func() error) (ran bool, err error) {
	identityMu.Lock()
	defer identityMu.Unlock()

	if m.IsElevated() {
		return true, fn()
	}

	if err := m.elevate(); err != nil {
		return false, err
	}

	opErr := fn()
	if err := m.lower(); err != nil {
		return true, m.restoreFailed(op, "user", opErr, err)
	}

	return true, opErr
}

// fallback decides whether an operation which could not elevate directly may
// use the elevation helper instead.
func (m *Manager) fallback(op string, err error) error {
	if !errors.Is(err, ErrPermissionDenied) {
		// Configuration or system call failures are not retried.
		return err
	}

	if !m.ElevationAllowed() {
		return fmt.Errorf("uidmng: %s as root: elevation helper not allowed: %w", op, ErrPermissionDenied)
	}

	m.ll.Printf("no root capability for %s, falling back to %s", op, m.helper)
	m.mm.helperCalls(1.0, op)
	return nil
}

// restoreFailed reports a failure to restore identity after op. The error of
// op itself, if any, is kept alongside the RestoreError.
func (m *Manager) restoreFailed(op, target string, opErr, err error) error {
	rerr := &RestoreError{Op: op, Target: target, Err: err}

	m.ll.Printf("%v", rerr)
	m.mm.restoreFailures(1.0, op)

	if opErr != nil {
		return errors.Join(opErr, rerr)
	}

	return rerr
}
