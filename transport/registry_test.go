package transport

import (
	"errors"
	"sync"
	"testing"

	"github.com/opd-ai/cdilink/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	kind   string
	closed int
}

func (f *fakeTransport) CreateConnection(interfaces.ConnectionConfig) (interfaces.IConnection, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeTransport) Kind() string { return f.kind }
func (f *fakeTransport) Close() error { f.closed++; return nil }

type openRecorder struct {
	mu     sync.Mutex
	opened []*fakeTransport
	err    error
}

func (o *openRecorder) open(key AdapterKey) (interfaces.ITransport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	t := &fakeTransport{kind: key.Kind}
	o.opened = append(o.opened, t)
	return t, nil
}

func TestRegistrySharesAdapter(t *testing.T) {
	rec := &openRecorder{}
	reg := NewRegistry(rec.open)
	key := AdapterKey{Kind: "udp", LocalAddr: "127.0.0.1"}

	h1, err := reg.AcquireShared(key)
	require.NoError(t, err)
	h2, err := reg.AcquireShared(key)
	require.NoError(t, err)

	assert.NotSame(t, h1, h2, "each acquisition gets its own handle")
	assert.Same(t, h1.Transport(), h2.Transport())
	assert.Len(t, rec.opened, 1)
	assert.Equal(t, 2, reg.Refs(key))

	require.NoError(t, reg.ReleaseShared(h1))
	assert.Equal(t, 0, rec.opened[0].closed)
	assert.Equal(t, 1, reg.Refs(key))

	require.NoError(t, reg.ReleaseShared(h2))
	assert.Equal(t, 1, rec.opened[0].closed)
	assert.Equal(t, 0, reg.Refs(key))

	h3, err := reg.AcquireShared(key)
	require.NoError(t, err)
	assert.Len(t, rec.opened, 2, "adapter reopens after last release")
	require.NoError(t, reg.ReleaseShared(h3))
}

func TestRegistryDistinctKeys(t *testing.T) {
	rec := &openRecorder{}
	reg := NewRegistry(rec.open)

	a, err := reg.AcquireShared(AdapterKey{Kind: "udp", LocalAddr: "127.0.0.1"})
	require.NoError(t, err)
	b, err := reg.AcquireShared(AdapterKey{Kind: "udp", LocalAddr: "0.0.0.0"})
	require.NoError(t, err)
	assert.NotSame(t, a.Transport(), b.Transport())
	assert.Equal(t, "udp@0.0.0.0", b.Key().String())
}

func TestRegistryDoubleRelease(t *testing.T) {
	rec := &openRecorder{}
	reg := NewRegistry(rec.open)
	key := AdapterKey{Kind: "sim", LocalAddr: "x"}

	h1, err := reg.AcquireShared(key)
	require.NoError(t, err)
	h2, err := reg.AcquireShared(key)
	require.NoError(t, err)

	require.NoError(t, reg.ReleaseShared(h1))
	assert.ErrorIs(t, reg.ReleaseShared(h1), ErrHandleReleased)
	assert.Equal(t, 1, reg.Refs(key), "double release must not drop another holder")
	assert.ErrorIs(t, reg.ReleaseShared(nil), ErrHandleReleased)
	require.NoError(t, reg.ReleaseShared(h2))
}

func TestRegistryOpenFailure(t *testing.T) {
	rec := &openRecorder{err: errors.New("bind failed")}
	reg := NewRegistry(rec.open)
	key := AdapterKey{Kind: "udp", LocalAddr: "10.0.0.1"}

	_, err := reg.AcquireShared(key)
	assert.Error(t, err)
	assert.Equal(t, 0, reg.Refs(key))
}

func TestRegistryClose(t *testing.T) {
	rec := &openRecorder{}
	reg := NewRegistry(rec.open)
	_, err := reg.AcquireShared(AdapterKey{Kind: "udp", LocalAddr: "a"})
	require.NoError(t, err)

	require.NoError(t, reg.Close())
	assert.Equal(t, 1, rec.opened[0].closed)

	_, err = reg.AcquireShared(AdapterKey{Kind: "udp", LocalAddr: "a"})
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestRegistryConcurrentAcquire(t *testing.T) {
	rec := &openRecorder{}
	reg := NewRegistry(rec.open)
	key := AdapterKey{Kind: "udp", LocalAddr: "127.0.0.1"}

	var wg sync.WaitGroup
	handles := make([]*Handle, 16)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := reg.AcquireShared(key)
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()
	assert.Len(t, rec.opened, 1)

	for _, h := range handles {
		require.NoError(t, reg.ReleaseShared(h))
	}
	assert.Equal(t, 1, rec.opened[0].closed)
}
