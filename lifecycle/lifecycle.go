// Package lifecycle moves worker versions through install and activation
// and persists which version is active.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/cachestore"
	"github.com/wolfeidau/offline-cache/fetch"
	"github.com/wolfeidau/offline-cache/telemetry"
)

const (
	// RegistrationNamespace holds the persisted registration.
	RegistrationNamespace = "meta:registration"

	registrationKey = "active"
)

var (
	// ErrInstallFailed wraps the cause of a failed install.
	ErrInstallFailed = errors.New("install failed")
	// ErrNoWaiting is returned by Activate when nothing is installed.
	ErrNoWaiting = errors.New("no installed version waiting")
	// ErrAlreadyActive is returned when installing the active tag again.
	ErrAlreadyActive = errors.New("version already active")
)

// State is the lifecycle state of one worker version.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Version describes what a worker version caches and how it serves.
type Version struct {
	Tag      string               `json:"tag"`
	Precache cachestore.Namespace `json:"precache"`
	Dynamic  cachestore.Namespace `json:"dynamic"`
	Manifest []string             `json:"manifest,omitempty"`
	Strategy fetch.Policy         `json:"strategy"`
}

// Validate reports whether v can be installed.
func (v Version) Validate() error {
	if v.Tag == "" {
		return errors.New("version tag is required")
	}
	if v.Precache.IsZero() {
		return errors.New("precache namespace is required")
	}
	if len(v.Manifest) == 0 {
		return errors.New("precache manifest is empty")
	}
	if v.Precache == v.Dynamic {
		return errors.New("precache and dynamic namespaces must differ")
	}
	if _, err := fetch.ParsePolicy(string(v.Strategy)); err != nil {
		return err
	}
	return nil
}

// keeps reports whether name belongs to v.
func (v Version) keeps(name string) bool {
	if name == v.Precache.String() {
		return true
	}
	return !v.Dynamic.IsZero() && name == v.Dynamic.String()
}

// Instance is one version and where it is in the lifecycle.
type Instance struct {
	Version     Version
	State       State
	InstalledAt time.Time
	ActivatedAt time.Time
}

// Registration is the persisted record of the active version.
type Registration struct {
	Version     Version   `json:"version"`
	ActivatedAt time.Time `json:"activated_at"`
}

// Cache is the part of the cache store the manager drives.
type Cache interface {
	Populate(ctx context.Context, ns cachestore.Namespace, urls []string) error
	Evict(ctx context.Context, keep func(name string) bool) ([]string, error)
	Namespaces(ctx context.Context) ([]string, error)
}

// Manager owns the active and waiting instances.
type Manager struct {
	cache   Cache
	backend backend.Backend
	logger  *slog.Logger
	now     func() time.Time

	// op serializes Install, Activate and Restore.
	op sync.Mutex

	mu        sync.RWMutex
	active    *Instance
	waiting   *Instance
	listeners []func(Version)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a manager. b stores the registration.
func New(cache Cache, b backend.Backend, opts ...Option) *Manager {
	m := &Manager{
		cache:   cache,
		backend: b,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "lifecycle")
	return m
}

// OnActivate registers fn to run after every activation, including one
// restored from a persisted registration.
func (m *Manager) OnActivate(fn func(Version)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Active returns the active instance.
func (m *Manager) Active() (Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return Instance{}, false
	}
	return *m.active, true
}

// Waiting returns the installed instance waiting to activate.
func (m *Manager) Waiting() (Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.waiting == nil {
		return Instance{}, false
	}
	return *m.waiting, true
}

func (m *Manager) transition(ctx context.Context, inst *Instance, state State) {
	m.mu.Lock()
	inst.State = state
	m.mu.Unlock()
	telemetry.RecordLifecycleTransition(ctx, string(state))
	m.logger.Info("lifecycle transition", "version", inst.Version.Tag, "state", state)
}

// Install precaches v's manifest. A failure makes the new instance
// redundant and leaves the active version serving. A previously waiting
// instance is replaced.
func (m *Manager) Install(ctx context.Context, v Version) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	m.op.Lock()
	defer m.op.Unlock()

	if active, ok := m.Active(); ok && active.Version.Tag == v.Tag {
		return fmt.Errorf("%w: %s", ErrAlreadyActive, v.Tag)
	}

	inst := &Instance{Version: v}
	m.mu.Lock()
	prev := m.waiting
	m.waiting = nil
	m.mu.Unlock()
	if prev != nil {
		m.transition(ctx, prev, StateRedundant)
	}
	m.transition(ctx, inst, StateInstalling)

	if err := m.cache.Populate(ctx, v.Precache, v.Manifest); err != nil {
		m.transition(ctx, inst, StateRedundant)
		m.logger.Error("install failed", "version", v.Tag, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrInstallFailed, v.Tag, err)
	}

	m.mu.Lock()
	inst.InstalledAt = m.now()
	m.waiting = inst
	m.mu.Unlock()
	m.transition(ctx, inst, StateInstalled)
	return nil
}

// Activate promotes the waiting instance. Every cache namespace that does
// not belong to it is evicted, the registration is persisted and the prior
// active instance becomes redundant.
func (m *Manager) Activate(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.RLock()
	inst := m.waiting
	m.mu.RUnlock()
	if inst == nil {
		return ErrNoWaiting
	}

	m.transition(ctx, inst, StateActivating)

	dropped, err := m.cache.Evict(ctx, inst.Version.keeps)
	if err != nil {
		m.transition(ctx, inst, StateInstalled)
		return fmt.Errorf("activating %s: %w", inst.Version.Tag, err)
	}

	activatedAt := m.now()
	if err := m.persist(ctx, Registration{Version: inst.Version, ActivatedAt: activatedAt}); err != nil {
		// The version still serves; a restart will reinstall it.
		m.logger.Error("failed to persist registration", "version", inst.Version.Tag, "error", err)
	}

	m.mu.Lock()
	prev := m.active
	inst.ActivatedAt = activatedAt
	m.active = inst
	m.waiting = nil
	m.mu.Unlock()

	m.transition(ctx, inst, StateActivated)
	if prev != nil {
		m.transition(ctx, prev, StateRedundant)
	}
	m.logger.Info("version activated", "version", inst.Version.Tag, "evicted", dropped)

	m.notify(inst.Version)
	return nil
}

// Update installs v and activates it immediately.
func (m *Manager) Update(ctx context.Context, v Version) error {
	if err := m.Install(ctx, v); err != nil {
		return err
	}
	return m.Activate(ctx)
}

// Restore loads the persisted registration and makes it active without
// reinstalling. It reports false when there is nothing usable to restore,
// including a registration whose precache namespace no longer exists.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	m.op.Lock()
	defer m.op.Unlock()

	data, err := m.backend.Get(ctx, RegistrationNamespace, registrationKey)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("reading registration: %w", err)
	}

	var reg Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		m.logger.Warn("discarding unreadable registration", "error", err)
		return false, nil
	}
	if err := reg.Version.Validate(); err != nil {
		m.logger.Warn("discarding invalid registration", "error", err)
		return false, nil
	}

	names, err := m.cache.Namespaces(ctx)
	if err != nil {
		return false, err
	}
	if !slices.Contains(names, reg.Version.Precache.String()) {
		m.logger.Warn("registration precache missing, reinstall required",
			"version", reg.Version.Tag,
			"namespace", reg.Version.Precache.String(),
		)
		return false, nil
	}

	inst := &Instance{Version: reg.Version, ActivatedAt: reg.ActivatedAt}
	m.mu.Lock()
	m.active = inst
	m.mu.Unlock()
	m.transition(ctx, inst, StateActivated)

	m.notify(inst.Version)
	return true, nil
}

// Registration returns the persisted registration.
func (m *Manager) Registration(ctx context.Context) (*Registration, error) {
	data, err := m.backend.Get(ctx, RegistrationNamespace, registrationKey)
	if err != nil {
		return nil, err
	}
	var reg Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("decoding registration: %w", err)
	}
	return &reg, nil
}

func (m *Manager) persist(ctx context.Context, reg Registration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encoding registration: %w", err)
	}
	return m.backend.Put(ctx, RegistrationNamespace, registrationKey, data)
}

func (m *Manager) notify(v Version) {
	m.mu.RLock()
	listeners := slices.Clone(m.listeners)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(v)
	}
}
