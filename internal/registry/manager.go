package registry

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pcraw4d/fraud-serving/internal/model"
	"github.com/pcraw4d/fraud-serving/internal/observability"
)

// ErrModelServiceUnavailable is returned when a bundle slot has no
// previously-loaded bundle to retain and the pointer-named version fails
// to load — the predict path has nothing safe to serve.
var ErrModelServiceUnavailable = fmt.Errorf("registry: model service unavailable")

const (
	pointerReadRetries = 3
	pointerReadBackoff = 20 * time.Millisecond
)

// Slot names the two bundle slots the Manager tracks.
type Slot string

const (
	SlotActive   Slot = "active"
	SlotShadow   Slot = "shadow"
	SlotRollback Slot = "rollback"
)

// Manager owns the active and shadow bundles, refreshing them against
// pointer files on demand and retaining the previously-loaded bundle if a
// refresh attempt fails to load.
type Manager struct {
	mu sync.RWMutex

	versionsDir  string
	activePtr    string
	shadowPtr    string
	rollbackPtr  string

	active *model.Bundle
	shadow *model.Bundle

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewManager constructs a Manager against the given directory layout.
func NewManager(versionsDir, activePtr, shadowPtr, rollbackPtr string, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		versionsDir: versionsDir,
		activePtr:   activePtr,
		shadowPtr:   shadowPtr,
		rollbackPtr: rollbackPtr,
		logger:      logger.WithComponent("registry"),
		metrics:     metrics,
	}
}

// Bootstrap performs the initial load of both active and shadow bundles.
// Unlike Refresh, failing to load the active bundle here is fatal — there
// is no previous bundle to fall back to. A missing shadow pointer is
// ignored, and a shadow bundle that fails to load is only logged.
func (m *Manager) Bootstrap() error {
	activeVersion, err := m.readPointerWithRetry(m.activePtr)
	if err != nil {
		return fmt.Errorf("registry: bootstrap active pointer: %w", err)
	}
	bundle, err := model.Load(m.versionsDir, activeVersion)
	if err != nil {
		return fmt.Errorf("registry: bootstrap active bundle %s: %w", activeVersion, err)
	}

	m.mu.Lock()
	m.active = bundle
	m.mu.Unlock()

	if shadowVersion, err := m.readPointerWithRetry(m.shadowPtr); err == nil {
		if shadowBundle, err := model.Load(m.versionsDir, shadowVersion); err == nil {
			m.mu.Lock()
			m.shadow = shadowBundle
			m.mu.Unlock()
		} else {
			m.logger.Warn("registry: shadow bundle failed to load at bootstrap", "version", shadowVersion, "error", err.Error())
		}
	}

	return nil
}

// RefreshActive re-reads the active pointer and hot-swaps the active
// bundle if the version changed and the new bundle loads successfully.
// On load failure the previously-loaded bundle is retained.
func (m *Manager) RefreshActive() error {
	return m.refresh(SlotActive)
}

// RefreshShadow re-reads the shadow pointer and hot-swaps the shadow
// bundle under the same retain-on-failure contract as RefreshActive.
func (m *Manager) RefreshShadow() error {
	return m.refresh(SlotShadow)
}

func (m *Manager) refresh(slot Slot) error {
	ptrPath := m.activePtr
	if slot == SlotShadow {
		ptrPath = m.shadowPtr
	}

	version, err := m.readPointerWithRetry(ptrPath)
	if err != nil {
		return fmt.Errorf("registry: read %s pointer: %w", slot, err)
	}

	m.mu.RLock()
	current := m.active
	if slot == SlotShadow {
		current = m.shadow
	}
	m.mu.RUnlock()

	if current != nil && current.Version == version {
		return nil // already up to date
	}

	bundle, err := model.Load(m.versionsDir, version)
	if err != nil {
		m.metrics.RecordBundleLoadFailure(string(slot))
		m.logger.Warn("registry: bundle load failed, retaining previous", "slot", slot, "version", version, "error", err.Error())
		if current == nil {
			return fmt.Errorf("%w: slot=%s version=%s: %v", ErrModelServiceUnavailable, slot, version, err)
		}
		return nil
	}

	m.mu.Lock()
	if slot == SlotShadow {
		m.shadow = bundle
	} else {
		m.active = bundle
	}
	m.mu.Unlock()

	m.metrics.RecordBundleSwap(string(slot))
	m.logger.Info("registry: bundle swapped", "slot", slot, "version", version)
	return nil
}

// GetActive re-reads the active pointer (with retries) and hot-swaps the
// in-memory bundle if the version changed, then returns the currently-loaded
// active bundle. This per-call re-read is authoritative: the fsnotify
// watcher is an optimization that shortens the window before a swap is
// picked up, not a substitute, since watcher events can be coalesced or
// dropped under the OS's notify backend.
func (m *Manager) GetActive() *model.Bundle {
	if err := m.refresh(SlotActive); err != nil {
		m.logger.Warn("registry: per-request active refresh failed, serving previous bundle", "error", err.Error())
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// GetShadow re-reads the shadow pointer under the same per-call contract as
// GetActive, then returns the currently-loaded shadow bundle, or nil if none
// is configured or loaded. Unlike the active pointer, the shadow pointer is
// routinely absent (no candidate awaiting promotion yet), so a refresh
// failure here is not logged — it's the expected steady state, not an error.
func (m *Manager) GetShadow() *model.Bundle {
	_ = m.refresh(SlotShadow)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shadow
}

// PromoteShadowToActive atomically rewrites the active and rollback
// pointers: the current active version becomes the rollback target, and
// the shadow version becomes active. Call RefreshActive afterward to load
// it into memory.
func (m *Manager) PromoteShadowToActive(shadowVersion string) error {
	m.mu.RLock()
	currentActive := m.active
	m.mu.RUnlock()

	if currentActive != nil {
		if err := WritePointer(m.rollbackPtr, Pointer{Version: currentActive.Version}); err != nil {
			return fmt.Errorf("registry: write rollback pointer: %w", err)
		}
	}
	if err := WritePointer(m.activePtr, Pointer{Version: shadowVersion}); err != nil {
		return fmt.Errorf("registry: write active pointer: %w", err)
	}
	return nil
}

// RollbackActive restores the active pointer to the rollback version.
func (m *Manager) RollbackActive() error {
	version, err := m.readPointerWithRetry(m.rollbackPtr)
	if err != nil {
		return fmt.Errorf("registry: read rollback pointer: %w", err)
	}
	return WritePointer(m.activePtr, Pointer{Version: version})
}

// readPointerWithRetry retries transient read/parse failures (e.g. a reader
// racing the atomic rename in WritePointer) up to pointerReadRetries times.
// A simply-missing pointer file is not transient — retrying it on every
// per-request GetShadow call would add pure latency for the routine
// no-shadow-configured steady state — so it fails fast instead.
func (m *Manager) readPointerWithRetry(path string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < pointerReadRetries; attempt++ {
		ptr, err := ReadPointer(path)
		if err == nil {
			return ptr.Version, nil
		}
		if os.IsNotExist(err) {
			return "", err
		}
		lastErr = err
		if attempt < pointerReadRetries-1 {
			time.Sleep(pointerReadBackoff)
		}
	}
	return "", lastErr
}
