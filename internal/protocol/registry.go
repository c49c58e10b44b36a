package protocol

import (
	"log/slog"
	"sync"
)

// Registry holds the ordered handler list and a per-device cache of the
// handler that last decoded a frame for that device, so steady-state
// traffic skips format detection.
type Registry struct {
	logger   *slog.Logger
	handlers []Handler

	mu       sync.RWMutex
	byDevice map[string]Handler
}

// NewRegistry creates a registry over the given handlers. Detection probes
// them in the order supplied.
func NewRegistry(logger *slog.Logger, handlers ...Handler) *Registry {
	return &Registry{
		logger:   logger,
		handlers: handlers,
		byDevice: make(map[string]Handler),
	}
}

// Decode parses one complete frame. deviceHint, when non-empty, is the
// device already associated with the connection; its cached handler is
// tried first. On success the winning handler is cached under the decoded
// device ID.
func (r *Registry) Decode(frame []byte, deviceHint string) (*ParsedMessage, Handler, error) {
	if deviceHint != "" {
		if h := r.cached(deviceHint); h != nil && h.CanHandle(frame) {
			msg, err := h.Parse(frame)
			if err == nil {
				r.remember(msg.DeviceID, h)
				return msg, h, nil
			}
			// Cached handler recognized the framing but not the contents;
			// fall through to full detection in case the device switched
			// formats mid-connection.
			r.logger.Debug("cached handler failed, re-detecting",
				"device_id", deviceHint,
				"handler", h.Name(),
				"error", err,
			)
		}
	}

	for _, h := range r.handlers {
		if !h.CanHandle(frame) {
			continue
		}
		msg, err := h.Parse(frame)
		if err != nil {
			return nil, h, err
		}
		r.remember(msg.DeviceID, h)
		return msg, h, nil
	}

	return nil, nil, ErrNoHandler
}

// HandlerFor returns the cached handler for a device, or nil.
func (r *Registry) HandlerFor(deviceID string) Handler {
	return r.cached(deviceID)
}

// Forget drops the cached handler for a device. Used when a device is
// reassigned and all derived state must be invalidated.
func (r *Registry) Forget(deviceID string) {
	r.mu.Lock()
	delete(r.byDevice, deviceID)
	r.mu.Unlock()
}

func (r *Registry) cached(deviceID string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byDevice[deviceID]
}

func (r *Registry) remember(deviceID string, h Handler) {
	if deviceID == "" {
		return
	}
	r.mu.Lock()
	r.byDevice[deviceID] = h
	r.mu.Unlock()
}
