// Package fleet implements the Fleet Manager (component E): the single
// façade external callers use to acquire browser instances, save and
// restore sessions, and manage profiles. It dispatches each acquisition
// either into the Worker Pool or as a standalone instance the caller
// owns outright, wiring together the Worker Pool, the Profile Registry,
// and the Session Store.
package fleet

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chromefleet/internal/config"
	"chromefleet/internal/driver"
	"chromefleet/internal/ferrors"
	"chromefleet/internal/instance"
	"chromefleet/internal/launch"
	"chromefleet/internal/logging"
	"chromefleet/internal/pool"
	"chromefleet/internal/profile"
	"chromefleet/internal/session"
	"chromefleet/internal/validator"
)

// InstanceInfo is the public listing shape for list(), flattening a
// pooled Worker or a standalone Instance into one view.
type InstanceInfo struct {
	ID           string
	ProfileName  string
	Status       instance.State
	CreatedAt    time.Time
	LastActivity time.Time
	DebugPort    int
	Pooled       bool
	WorkerState  pool.WorkerState // zero value when !Pooled
}

// Manager is the Fleet Manager.
type Manager struct {
	cfg       *config.Config
	profiles  *profile.Registry
	sessions  *session.Store
	pool      *pool.Pool
	builder   *launch.Builder
	factory   driver.Factory
	validator *validator.Validator
	log       *logging.Logger

	mu         sync.Mutex
	standalone map[string]*instance.Instance
	current    map[string]string // client id -> instance id, sticky selection
}

// New constructs a Manager over the already-started collaborators. sv may
// be nil, in which case ExecuteScript dispatches without validation — a
// nil validator exists for tests, not for fleetd's production wiring.
func New(cfg *config.Config, profiles *profile.Registry, sessions *session.Store, p *pool.Pool, builder *launch.Builder, factory driver.Factory, sv *validator.Validator) *Manager {
	return &Manager{
		cfg:        cfg,
		profiles:   profiles,
		sessions:   sessions,
		pool:       p,
		builder:    builder,
		factory:    factory,
		validator:  sv,
		log:        logging.Named("fleet"),
		standalone: make(map[string]*instance.Instance),
		current:    make(map[string]string),
	}
}

// GetOrCreate returns a Ready instance satisfying opts. When usePool is
// true it is drawn from (or spawned into) the Worker Pool and must be
// returned via Terminate(returnToPool=true) or left idle for reuse; a
// standalone instance is owned outright by the caller until Terminate.
func (m *Manager) GetOrCreate(ctx context.Context, opts launch.Options, usePool bool) (*instance.Instance, error) {
	if usePool {
		w, err := m.pool.Acquire(ctx, opts)
		if err != nil {
			return nil, err
		}
		return w.Inst, nil
	}

	inst, err := instance.Launch(ctx, m.builder, m.factory, m.cfg.Browser, opts)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.standalone[inst.ID] = inst
	m.mu.Unlock()
	m.log.Info("created standalone instance", zap.String("instance_id", inst.ID))
	return inst, nil
}

// Get looks up an instance by id, whether standalone or pooled.
func (m *Manager) Get(id string) (*instance.Instance, bool) {
	m.mu.Lock()
	inst, ok := m.standalone[id]
	m.mu.Unlock()
	if ok {
		return inst, true
	}
	if w, ok := m.pool.Get(id); ok {
		return w.Inst, true
	}
	return nil, false
}

// List enumerates every known instance, standalone and pooled.
func (m *Manager) List() []InstanceInfo {
	m.mu.Lock()
	out := make([]InstanceInfo, 0, len(m.standalone))
	for _, inst := range m.standalone {
		out = append(out, InstanceInfo{
			ID:           inst.ID,
			ProfileName:  inst.ProfileName,
			Status:       inst.State(),
			CreatedAt:    inst.CreatedAt,
			LastActivity: inst.LastActivity(),
			DebugPort:    inst.DebugPort,
		})
	}
	m.mu.Unlock()

	for _, w := range m.pool.Snapshot() {
		out = append(out, InstanceInfo{
			ID:           w.Inst.ID,
			ProfileName:  w.Inst.ProfileName,
			Status:       w.Inst.State(),
			CreatedAt:    w.Inst.CreatedAt,
			LastActivity: w.Inst.LastActivity(),
			DebugPort:    w.Inst.DebugPort,
			Pooled:       true,
			WorkerState:  w.State(),
		})
	}
	return out
}

// Terminate tears down an instance. For a pooled worker, returnToPool
// releases it back to Idle instead of killing the process. Reports
// false if id is unknown.
func (m *Manager) Terminate(ctx context.Context, id string, returnToPool bool) (bool, error) {
	m.mu.Lock()
	inst, isStandalone := m.standalone[id]
	if isStandalone {
		delete(m.standalone, id)
	}
	m.mu.Unlock()

	if isStandalone {
		if err := inst.Quit(ctx); err != nil {
			return true, err
		}
		return true, nil
	}

	if _, ok := m.pool.Get(id); ok {
		if returnToPool {
			return true, m.pool.Release(id)
		}
		return m.pool.Terminate(id), nil
	}
	return false, nil
}

// ExecuteScript routes src through the Script Validator before
// delegating to the named instance's driver, per the execute contract:
// every submission is validated before dispatch, pooled or standalone.
func (m *Manager) ExecuteScript(ctx context.Context, instanceID, src string, args ...any) (any, error) {
	inst, ok := m.Get(instanceID)
	if !ok {
		return nil, ferrors.New(ferrors.KindInstanceNotFound, "instance "+instanceID+" not found")
	}
	if m.validator != nil {
		if err := m.validator.ValidateOrRaise(src); err != nil {
			return nil, err
		}
	}
	return inst.ExecuteScript(ctx, src, args...)
}

// SaveSession persists the active session state of the named instance.
func (m *Manager) SaveSession(ctx context.Context, instanceID, name string) (string, error) {
	inst, ok := m.Get(instanceID)
	if !ok {
		return "", ferrors.New(ferrors.KindInstanceNotFound, "instance "+instanceID+" not found")
	}
	return m.sessions.Save(ctx, inst, name)
}

// RestoreSession spawns a standalone instance and replays a saved
// session onto it. Per the Fleet Manager's external interface, restore
// always produces a standalone instance — it never draws from the
// pool, since a restored instance typically outlives a single acquire
// cycle and carries caller-specific session state the pool's profile
// affinity is not meant to share.
func (m *Manager) RestoreSession(ctx context.Context, sessionID string, profileOverride *string, headless *bool, killOrphaned bool) (*instance.Instance, error) {
	snap, err := m.sessions.Load(sessionID)
	if err != nil {
		return nil, err
	}

	profileName := snap.Profile
	if profileOverride != nil {
		profileName = *profileOverride
	}
	headlessVal := false
	if headless != nil {
		headlessVal = *headless
	}

	opts := launch.Options{
		Headless:     headlessVal,
		Profile:      profileName,
		KillOrphaned: killOrphaned,
	}
	inst, err := instance.Launch(ctx, m.builder, m.factory, m.cfg.Browser, opts)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.standalone[inst.ID] = inst
	m.mu.Unlock()

	if err := m.sessions.Apply(ctx, inst, snap); err != nil {
		m.log.Warn("session restore applied partially", zap.String("session_id", sessionID), zap.Error(err))
		return inst, err
	}
	return inst, nil
}

// ListSessions returns every saved session's catalog summary.
func (m *Manager) ListSessions() ([]session.Summary, error) {
	return m.sessions.List()
}

// DeleteSession removes a saved session. Reports false if unknown.
func (m *Manager) DeleteSession(id string) (bool, error) {
	return m.sessions.Delete(id)
}

// CreateProfile creates a new named profile.
func (m *Manager) CreateProfile(name, description string) (string, error) {
	return m.profiles.Create(name, description)
}

// DeleteProfile removes a named profile. Reports false if unknown.
func (m *Manager) DeleteProfile(name string) (bool, error) {
	return m.profiles.Delete(name)
}

// ListProfiles returns every known profile's public info.
func (m *Manager) ListProfiles() ([]profile.Info, error) {
	return m.profiles.List()
}

// CurrentInstance returns the instance id sticky-selected for client,
// if any. Single-client deployments may pass a constant client key.
func (m *Manager) CurrentInstance(client string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.current[client]
	return id, ok
}

// SetCurrent records the sticky instance selection for client.
func (m *Manager) SetCurrent(client, instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current[client] = instanceID
}
