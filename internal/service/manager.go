// Package service manages beacon lifecycles on top of the admin API: it
// keeps a local cache of registration records, logs every lifecycle
// operation and announces it over MQTT.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"beaconservice/go-beacon-admin/internal/beaconid"
	"beaconservice/go-beacon-admin/internal/model"
	"beaconservice/go-beacon-admin/internal/proximity"
	"beaconservice/go-beacon-admin/internal/store"
	"beaconservice/go-beacon-admin/internal/tracer"
)

// AdminAPI is the part of the admin client the manager drives.
// *proximity.AdminClient satisfies it.
type AdminAPI interface {
	Register(ctx context.Context, id string, placement model.Placement, stability model.Stability, details ...proximity.Detail) (*model.BeaconInfo, error)
	Update(ctx context.Context, id string, placement model.Placement, stability model.Stability, details ...proximity.Detail) (*model.BeaconInfo, error)
	Activate(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id string) error
	Decommission(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	GetInfo(ctx context.Context, id string) (*model.BeaconInfo, error)
}

// Store persists the lifecycle log and beacon cache. *store.Store satisfies it.
type Store interface {
	CacheBeacon(ctx context.Context, info model.BeaconInfo) error
	CachedBeacon(ctx context.Context, beaconID string) (model.BeaconInfo, error)
	InsertLifecycleEvent(ctx context.Context, e model.LifecycleEvent) error
	LifecycleEvents(ctx context.Context, beaconID string, limit int) ([]model.LifecycleEvent, error)
	SetScanStatus(ctx context.Context, beaconID string, status model.Status, resolvedAt time.Time) error
}

// EventPublisher announces lifecycle events. *mqtt.Client satisfies it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, e model.LifecycleEvent) error
}

const (
	outcomeOK    = "ok"
	outcomeError = "error"

	storeTimeout = 2 * time.Second
)

// Manager runs lifecycle operations. Safe for concurrent use.
type Manager struct {
	admin     AdminAPI
	store     Store
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time

	mu             sync.Mutex
	decommissioned map[string]bool
}

// Option customises a Manager.
type Option func(*Manager)

// WithPublisher announces lifecycle events through p.
func WithPublisher(p EventPublisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// New builds a Manager.
func New(admin AdminAPI, st Store, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		admin:          admin,
		store:          st,
		logger:         logger,
		now:            time.Now,
		decommissioned: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register registers id and caches the returned record.
func (m *Manager) Register(ctx context.Context, id string, placement model.Placement, stability model.Stability, details ...proximity.Detail) (*model.BeaconInfo, error) {
	return m.withInfo(ctx, id, ActionRegister, func(ctx context.Context, canonical string) (*model.BeaconInfo, error) {
		return m.admin.Register(ctx, canonical, placement, stability, details...)
	})
}

// Update changes the fields named by the call on a registered beacon and
// keeps the rest of its record.
func (m *Manager) Update(ctx context.Context, id string, placement model.Placement, stability model.Stability, details ...proximity.Detail) (*model.BeaconInfo, error) {
	return m.withInfo(ctx, id, ActionUpdate, func(ctx context.Context, canonical string) (*model.BeaconInfo, error) {
		return m.admin.Update(ctx, canonical, placement, stability, details...)
	})
}

// Activate marks a beacon active.
func (m *Manager) Activate(ctx context.Context, id string) (*model.BeaconInfo, error) {
	return m.transition(ctx, id, ActionActivate, model.StatusActive, m.admin.Activate)
}

// Deactivate marks a beacon inactive.
func (m *Manager) Deactivate(ctx context.Context, id string) (*model.BeaconInfo, error) {
	return m.transition(ctx, id, ActionDeactivate, model.StatusInactive, m.admin.Deactivate)
}

// Decommission retires a beacon. Every later lifecycle operation on it is
// rejected without contacting the API.
func (m *Manager) Decommission(ctx context.Context, id string) (*model.BeaconInfo, error) {
	return m.transition(ctx, id, ActionDecommission, model.StatusDecommissioned, m.admin.Decommission)
}

// Delete removes a beacon from the registry. It is allowed in every state,
// decommissioned included, and leaves the id free to register again.
func (m *Manager) Delete(ctx context.Context, id string) (*model.BeaconInfo, error) {
	return m.run(ctx, id, ActionDelete, false, func(ctx context.Context, canonical string) (*model.BeaconInfo, error) {
		if err := m.admin.Delete(ctx, canonical); err != nil {
			return nil, err
		}
		m.mu.Lock()
		delete(m.decommissioned, canonical)
		m.mu.Unlock()

		name, _ := beaconid.BeaconName(canonical)
		return &model.BeaconInfo{BeaconID: canonical, BeaconName: name, Status: model.StatusUnregistered}, nil
	})
}

// Info fetches the current record of a beacon and refreshes the cache.
func (m *Manager) Info(ctx context.Context, id string) (*model.BeaconInfo, error) {
	canonical, err := beaconid.Sanitize(id)
	if err != nil {
		return nil, err
	}
	info, err := m.admin.GetInfo(ctx, canonical)
	if err != nil {
		return nil, err
	}
	m.cache(ctx, *info)
	return info, nil
}

// Resolve determines the registration status of a sighted beacon and
// records it in the scan list. Beacons of other projects resolve to
// NOT_AUTHORIZED and unknown ones to UNREGISTERED; any other failure leaves
// the beacon unresolved and is returned.
func (m *Manager) Resolve(ctx context.Context, id string) (model.Status, error) {
	canonical, err := beaconid.Sanitize(id)
	if err != nil {
		return "", err
	}

	var status model.Status
	info, err := m.admin.GetInfo(ctx, canonical)
	switch {
	case err == nil:
		status = info.Status
		m.cache(ctx, *info)
	case errors.Is(err, proximity.ErrNotYours):
		status = model.StatusNotAuthorized
	case errors.Is(err, proximity.ErrNotRegistered):
		status = model.StatusUnregistered
	default:
		return "", err
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := m.store.SetScanStatus(storeCtx, canonical, status, m.now()); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Error("failed to record scan status", "beacon", canonical, "error", err)
	}
	return status, nil
}

// Events returns the lifecycle log of a beacon, newest first.
func (m *Manager) Events(ctx context.Context, id string, limit int) ([]model.LifecycleEvent, error) {
	canonical, err := beaconid.Sanitize(id)
	if err != nil {
		return nil, err
	}
	return m.store.LifecycleEvents(ctx, canonical, limit)
}

func (m *Manager) withInfo(ctx context.Context, id string, action Action, fn func(context.Context, string) (*model.BeaconInfo, error)) (*model.BeaconInfo, error) {
	return m.run(ctx, id, action, true, fn)
}

// run executes one lifecycle action: it logs the outcome and caches the
// resulting record. Guarded actions are refused for decommissioned beacons.
func (m *Manager) run(ctx context.Context, id string, action Action, guarded bool, fn func(context.Context, string) (*model.BeaconInfo, error)) (info *model.BeaconInfo, err error) {
	canonical, err := beaconid.Sanitize(id)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.StartAction(ctx, string(action), canonical)
	defer func() { tracer.Finish(span, err) }()

	if guarded {
		if err = m.guard(ctx, canonical); err != nil {
			m.record(ctx, canonical, action, err)
			return nil, err
		}
	}

	info, err = fn(ctx, canonical)
	m.record(ctx, canonical, action, err)
	if err != nil {
		return nil, err
	}

	m.cache(ctx, *info)
	return info, nil
}

func (m *Manager) transition(ctx context.Context, id string, action Action, to model.Status, fn func(context.Context, string) error) (*model.BeaconInfo, error) {
	return m.withInfo(ctx, id, action, func(ctx context.Context, canonical string) (*model.BeaconInfo, error) {
		if err := fn(ctx, canonical); err != nil {
			return nil, err
		}
		if to == model.StatusDecommissioned {
			m.mu.Lock()
			m.decommissioned[canonical] = true
			m.mu.Unlock()
		}

		info := m.cached(ctx, canonical)
		info.Status = to
		return &info, nil
	})
}

// guard rejects operations on beacons known to be decommissioned.
func (m *Manager) guard(ctx context.Context, canonical string) error {
	m.mu.Lock()
	known := m.decommissioned[canonical]
	m.mu.Unlock()

	if !known {
		known = m.cached(ctx, canonical).Status.Terminal()
	}
	if !known {
		return nil
	}

	return &proximity.RequestError{
		Kind:    proximity.KindNotRegistered,
		Message: fmt.Sprintf("beacon %s is decommissioned", canonical),
		Err:     ErrDecommissioned,
	}
}

// cached returns the cached record of canonical, or a minimal one.
func (m *Manager) cached(ctx context.Context, canonical string) model.BeaconInfo {
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	info, err := m.store.CachedBeacon(storeCtx, canonical)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("failed to read beacon cache", "beacon", canonical, "error", err)
		}
		name, _ := beaconid.BeaconName(canonical)
		return model.BeaconInfo{BeaconID: canonical, BeaconName: name}
	}
	return info
}

func (m *Manager) cache(ctx context.Context, info model.BeaconInfo) {
	if info.Status.Terminal() {
		m.mu.Lock()
		m.decommissioned[info.BeaconID] = true
		m.mu.Unlock()
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := m.store.CacheBeacon(storeCtx, info); err != nil {
		m.logger.Error("failed to cache beacon", "beacon", info.BeaconID, "error", err)
	}
}

// record logs the outcome of a lifecycle operation and announces it.
func (m *Manager) record(ctx context.Context, canonical string, action Action, opErr error) {
	event := model.LifecycleEvent{
		ID:        ulid.Make().String(),
		BeaconID:  canonical,
		Action:    string(action),
		Outcome:   outcomeOK,
		CreatedAt: m.now().UTC(),
	}
	if opErr != nil {
		event.Outcome = outcomeError
		event.Error = opErr.Error()
		m.logger.Warn("beacon lifecycle operation failed", "beacon", canonical, "action", action, "error", opErr)
	} else {
		m.logger.Info("beacon lifecycle operation", "beacon", canonical, "action", action)
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := m.store.InsertLifecycleEvent(storeCtx, event); err != nil {
		m.logger.Error("failed to persist lifecycle event", "beacon", canonical, "error", err)
	}

	if m.publisher != nil {
		if err := m.publisher.PublishEvent(ctx, event); err != nil {
			m.logger.Warn("failed to publish lifecycle event", "beacon", canonical, "error", err)
		}
	}
}
