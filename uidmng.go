// Package uidmng switches the effective identity of a setuid-root (or sudo
// launched) process between root and the invoking user, and runs commands and
// file operations under a chosen identity.
//
// When the process has no real root capability, operations which require
// root may fall back to an external elevation helper such as sudo, but only
// if the Manager's elevation policy allows it.
package uidmng

import (
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/mdlayher/metricslite"
)

// Default environment variables set by sudo which identify the invoking user.
const (
	DefaultUIDEnv = "SUDO_UID"
	DefaultGIDEnv = "SUDO_GID"
	DefaultHelper = "sudo"
)

// An Identity is a Unix user and group ID pair. The zero value is root.
type Identity struct {
	UID uint32
	GID uint32
}

// IsRoot reports whether the identity's user ID is root.
func (id Identity) IsRoot() bool { return id.UID == 0 }

// Config configures a Manager.
type Config struct {
	// AllowHelper permits falling back to the elevation helper when the
	// process cannot elevate directly. It can be changed later with
	// SetElevationAllowed.
	AllowHelper bool

	// Helper is the name of the elevation helper, sudo by default.
	// HelperArgs are passed to the helper before the command, such as "-n".
	Helper     string
	HelperArgs []string

	// UIDEnv and GIDEnv name the environment variables which hold the
	// invoking user's numeric IDs. SUDO_UID and SUDO_GID by default.
	UIDEnv string
	GIDEnv string

	// FileMode is the permission used when a write creates a file, before
	// the umask is applied. 0666 by default.
	FileMode os.FileMode

	Logger  *log.Logger
	Metrics metricslite.Interface
}

// A Manager performs identity switches and runs commands and file operations
// under a chosen identity.
//
// Effective identity is shared by the whole process, so every Manager
// serializes its switches through a single process-wide lock. The elevation
// policy is local to each Manager.
type Manager struct {
	allowHelper atomic.Bool

	helper     string
	helperArgs []string
	uidEnv     string
	gidEnv     string
	fileMode   os.FileMode

	sys system
	ll  *log.Logger
	mm  *metrics
}

// identityMu guards the process's effective identity. Switches hold it for
// writing for their entire elevate/operate/restore span, and operations under
// the current identity hold it for reading.
var identityMu sync.RWMutex

// New creates a Manager which uses the operating system's credential,
// process, and filesystem primitives.
func New(cfg Config) *Manager {
	return newManager(cfg, osSystem())
}

func newManager(cfg Config, sys system) *Manager {
	if cfg.Helper == "" {
		cfg.Helper = DefaultHelper
	}
	if cfg.UIDEnv == "" {
		cfg.UIDEnv = DefaultUIDEnv
	}
	if cfg.GIDEnv == "" {
		cfg.GIDEnv = DefaultGIDEnv
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o666
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metricslite.Discard()
	}

	m := &Manager{
		helper:     cfg.Helper,
		helperArgs: cfg.HelperArgs,
		uidEnv:     cfg.UIDEnv,
		gidEnv:     cfg.GIDEnv,
		fileMode:   cfg.FileMode,

		sys: sys,
		ll:  cfg.Logger,
		mm:  newMetrics(cfg.Metrics),
	}
	m.SetElevationAllowed(cfg.AllowHelper)

	return m
}

// SetElevationAllowed sets whether the Manager may use the elevation helper
// when it cannot elevate directly.
func (m *Manager) SetElevationAllowed(allow bool) {
	m.allowHelper.Store(allow)
}

// ElevationAllowed reports whether the Manager may use the elevation helper.
func (m *Manager) ElevationAllowed() bool { return m.allowHelper.Load() }

// canElevate reports whether any path to root could plausibly succeed.
func (m *Manager) canElevate() bool { return m.HasRootCapability() || m.ElevationAllowed() }

var defaultManager atomic.Pointer[Manager]

// Default returns the process-wide Manager used by the package-level
// functions. It is built from a zero Config on first use.
func Default() *Manager {
	if m := defaultManager.Load(); m != nil {
		return m
	}

	defaultManager.CompareAndSwap(nil, New(Config{}))
	return defaultManager.Load()
}

// SetElevationAllowed sets the elevation policy of the default Manager.
func SetElevationAllowed(allow bool) { Default().SetElevationAllowed(allow) }

// ElevationAllowed reports the elevation policy of the default Manager.
func ElevationAllowed() bool { return Default().ElevationAllowed() }
