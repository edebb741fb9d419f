package uidmng

import (
	"fmt"
	"strconv"
)

// IsElevated reports whether the effective user ID is root.
func (m *Manager) IsElevated() bool { return m.sys.geteuid() == 0 }

// HasRootCapability reports whether the real user ID is root, meaning the
// process is able to elevate its effective identity.
func (m *Manager) HasRootCapability() bool { return m.sys.getuid() == 0 }

// Real returns the process's real identity.
func (m *Manager) Real() Identity {
	return Identity{UID: uint32(m.sys.getuid()), GID: uint32(m.sys.getgid())}
}

// Effective returns the process's effective identity.
func (m *Manager) Effective() Identity {
	return Identity{UID: uint32(m.sys.geteuid()), GID: uint32(m.sys.getegid())}
}

// Elevate switches the effective identity to root. It is a no-op if the
// process is already elevated.
func (m *Manager) Elevate() error {
	identityMu.Lock()
	defer identityMu.Unlock()

	return m.elevate()
}

// Lower switches the effective identity to the invoking user named by the
// configured environment variables. It is a no-op if the process is not
// elevated.
func (m *Manager) Lower() error {
	identityMu.Lock()
	defer identityMu.Unlock()

	return m.lower()
}

// InvokingUser parses the invoking user's identity from the environment.
func (m *Manager) InvokingUser() (Identity, error) {
	uid, err := m.envID(m.uidEnv)
	if err != nil {
		return Identity{}, err
	}
	gid, err := m.envID(m.gidEnv)
	if err != nil {
		return Identity{}, err
	}

	if uid == 0 {
		// Lowering to root would defeat the purpose of lowering.
		return Identity{}, fmt.Errorf("uidmng: %s is root: %w", m.uidEnv, ErrConfig)
	}

	return Identity{UID: uid, GID: gid}, nil
}

// envID parses a numeric ID from environment variable key.
func (m *Manager) envID(key string) (uint32, error) {
	s, ok := m.sys.lookupEnv(key)
	if !ok {
		return 0, fmt.Errorf("uidmng: %s is not set: %w", key, ErrConfig)
	}

	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("uidmng: invalid %s %q: %w", key, s, ErrConfig)
	}

	return uint32(id), nil
}

// elevate implements Elevate. identityMu must be held.
func (m *Manager) elevate() error {
	if m.IsElevated() {
		return nil
	}

	if !m.HasRootCapability() {
		return fmt.Errorf("uidmng: cannot elevate without real root: %w", ErrPermissionDenied)
	}

	if err := m.setEffective(Identity{}); err != nil {
		return err
	}

	m.ll.Printf("elevated effective identity to root")
	m.mm.switches(1.0, "root")
	return nil
}

// lower implements Lower. identityMu must be held.
func (m *Manager) lower() error {
	if !m.IsElevated() {
		return nil
	}

	id, err := m.InvokingUser()
	if err != nil {
		return err
	}

	if err := m.setEffective(id); err != nil {
		return err
	}

	m.ll.Printf("lowered effective identity to uid=%d gid=%d", id.UID, id.GID)
	m.mm.switches(1.0, "user")
	return nil
}

// setEffective sets the effective group and then user ID. On failure the
// identity is left as the operating system reports it.
func (m *Manager) setEffective(id Identity) error {
	if err := m.sys.setegid(int(id.GID)); err != nil {
		return fmt.Errorf("uidmng: setegid(%d): %w: %w", id.GID, ErrOS, err)
	}

	if err := m.sys.seteuid(int(id.UID)); err != nil {
		return fmt.Errorf("uidmng: seteuid(%d): %w: %w", id.UID, ErrOS, err)
	}

	return nil
}

// IsElevated reports whether the process's effective user ID is root.
func IsElevated() bool { return Default().IsElevated() }

// HasRootCapability reports whether the process's real user ID is root.
func HasRootCapability() bool { return Default().HasRootCapability() }

// Elevate switches the process's effective identity to root using the default
// Manager.
func Elevate() error { return Default().Elevate() }

// Lower switches the process's effective identity to the invoking user using
// the default Manager.
func Lower() error { return Default().Lower() }
