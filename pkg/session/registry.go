package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/voxrelay/pkg/transports"
)

// ErrDraining is returned by Open while the relay is shutting down.
var ErrDraining = errors.New("session registry draining")

// Factory builds the session for a newly opened peer channel.
type Factory func(ctx context.Context, id, traceID string, out transports.Channel) (*PeerSession, error)

// Registry tracks live sessions by id. Sessions are removed when their
// transport reports a close, so the set never outgrows the live peers.
type Registry struct {
	sessions sync.Map
	count    atomic.Int64
	factory  Factory
	draining atomic.Bool
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory}
}

// Open creates and stores the session for id. created is false when a
// session with that id already exists.
func (r *Registry) Open(id, traceID string, out transports.Channel) (*PeerSession, bool, error) {
	if id == "" {
		return nil, false, errors.New("session id is required")
	}
	if r.draining.Load() {
		return nil, false, ErrDraining
	}
	if v, ok := r.sessions.Load(id); ok {
		return v.(*PeerSession), false, nil
	}
	sess, err := r.factory(context.Background(), id, traceID, out)
	if err != nil {
		return nil, false, err
	}
	actual, loaded := r.sessions.LoadOrStore(id, sess)
	if loaded {
		_ = sess.Close()
		return actual.(*PeerSession), false, nil
	}
	r.count.Add(1)
	return sess, true, nil
}

func (r *Registry) Get(id string) (*PeerSession, bool) {
	if v, ok := r.sessions.Load(id); ok {
		return v.(*PeerSession), true
	}
	return nil, false
}

// Remove closes and forgets the session. It reports whether id was known.
func (r *Registry) Remove(id string) bool {
	v, ok := r.sessions.LoadAndDelete(id)
	if !ok {
		return false
	}
	_ = v.(*PeerSession).Close()
	r.count.Add(-1)
	return true
}

func (r *Registry) CloseAll() {
	r.sessions.Range(func(key, value any) bool {
		id, ok := key.(string)
		if ok {
			r.Remove(id)
		}
		return true
	})
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

// IDs returns the ids of the live sessions.
func (r *Registry) IDs() []string {
	var ids []string
	r.sessions.Range(func(key, _ any) bool {
		if id, ok := key.(string); ok {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
