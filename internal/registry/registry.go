// Package registry tracks the live mapping from AI target id to its embedded
// surface handle. The surface manager registers a handle when a tab mounts
// and unregisters it on unmount; the dispatch engine and reconciler only ever
// read through Get.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/openmux/omnichat/api/schemas"
)

// Registry is an injectable, process-wide handle table. All methods are safe
// for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	handles map[int64]schemas.Handle
	logger  *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		handles: make(map[int64]schemas.Handle),
		logger:  logger.Named("registry"),
	}
}

// Register associates a handle with a target id. Re-registering the same id
// replaces the previous handle.
func (r *Registry) Register(targetID int64, handle schemas.Handle) {
	r.mu.Lock()
	_, replaced := r.handles[targetID]
	r.handles[targetID] = handle
	r.mu.Unlock()

	r.logger.Debug("Surface handle registered",
		zap.Int64("target_id", targetID), zap.Bool("replaced", replaced))
}

// Unregister removes the handle for a target id. Unknown ids are a no-op.
func (r *Registry) Unregister(targetID int64) {
	r.mu.Lock()
	delete(r.handles, targetID)
	r.mu.Unlock()

	r.logger.Debug("Surface handle unregistered", zap.Int64("target_id", targetID))
}

// Get returns the handle for a target id, or false when none is mounted.
func (r *Registry) Get(targetID int64) (schemas.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[targetID]
	return h, ok
}

// Snapshot returns the current target-id → handle mapping. The reconciler
// uses it to read every registered surface's URL in one pass.
func (r *Registry) Snapshot() map[int64]schemas.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]schemas.Handle, len(r.handles))
	for id, h := range r.handles {
		out[id] = h
	}
	return out
}

// Len reports how many handles are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
