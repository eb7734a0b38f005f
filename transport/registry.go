package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/cdilink/interfaces"
	"github.com/sirupsen/logrus"
)

var (
	// ErrHandleReleased is returned when a handle is released twice
	ErrHandleReleased = errors.New("adapter handle already released")

	// ErrRegistryClosed is returned by AcquireShared after Close
	ErrRegistryClosed = errors.New("adapter registry closed")
)

// AdapterKey identifies one shareable network adapter.
type AdapterKey struct {
	Kind      string
	LocalAddr string
}

// String returns "kind@addr".
func (k AdapterKey) String() string {
	return k.Kind + "@" + k.LocalAddr
}

// OpenFunc creates the transport for a key on first use.
type OpenFunc func(key AdapterKey) (interfaces.ITransport, error)

type sharedAdapter struct {
	transport interfaces.ITransport
	refs      int
}

// Handle is one acquisition of a shared adapter.
type Handle struct {
	key      AdapterKey
	adapter  *sharedAdapter
	released bool
}

// Key returns the adapter key the handle was acquired for.
func (h *Handle) Key() AdapterKey { return h.key }

// Transport returns the shared transport.
func (h *Handle) Transport() interfaces.ITransport { return h.adapter.transport }

// Registry reference-counts adapters so that sessions on the same kind and
// local address share one transport. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	open     OpenFunc
	adapters map[AdapterKey]*sharedAdapter
	closed   bool
}

// NewRegistry creates a registry that opens adapters with open.
func NewRegistry(open OpenFunc) *Registry {
	return &Registry{
		open:     open,
		adapters: make(map[AdapterKey]*sharedAdapter),
	}
}

// AcquireShared returns a handle to the adapter for key, opening it if no
// session holds it.
func (r *Registry) AcquireShared(key AdapterKey) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	a, ok := r.adapters[key]
	if !ok {
		t, err := r.open(key)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "AcquireShared",
				"adapter":  key.String(),
				"error":    err.Error(),
			}).Error("Failed to open adapter")
			return nil, fmt.Errorf("open adapter %s: %w", key, err)
		}
		a = &sharedAdapter{transport: t}
		r.adapters[key] = a

		logrus.WithFields(logrus.Fields{
			"function": "AcquireShared",
			"adapter":  key.String(),
		}).Info("Opened shared adapter")
	}
	a.refs++
	return &Handle{key: key, adapter: a}, nil
}

// ReleaseShared drops a handle. The adapter is closed when its last handle
// is released.
func (r *Registry) ReleaseShared(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h == nil || h.released {
		return ErrHandleReleased
	}
	h.released = true
	h.adapter.refs--
	if h.adapter.refs > 0 {
		return nil
	}

	if r.adapters[h.key] == h.adapter {
		delete(r.adapters, h.key)
	}
	logrus.WithFields(logrus.Fields{
		"function": "ReleaseShared",
		"adapter":  h.key.String(),
	}).Info("Closing shared adapter")
	return h.adapter.transport.Close()
}

// Refs returns the number of live handles for key.
func (r *Registry) Refs(key AdapterKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[key]; ok {
		return a.refs
	}
	return 0
}

// Close closes every adapter regardless of outstanding handles.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	var errs []error
	for key, a := range r.adapters {
		if err := a.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close adapter %s: %w", key, err))
		}
		delete(r.adapters, key)
	}
	return errors.Join(errs...)
}
