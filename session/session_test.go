package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn struct {
	closed atomic.Bool
	sent   [][]byte
}

func (c *stubConn) Send(data []byte) error { c.sent = append(c.sent, data); return nil }
func (c *stubConn) Close() error           { c.closed.Store(true); return nil }
func (c *stubConn) IsActive() bool         { return !c.closed.Load() }
func (c *stubConn) RemoteAddr() string     { return "10.0.0.1:5000" }

func TestSession_Bind(t *testing.T) {
	now := time.Now()
	s := New("n-1", &stubConn{}, now)

	t.Run("starts unbound", func(t *testing.T) {
		assert.False(t, s.Bound())
		assert.Empty(t, s.UserID())
		assert.Equal(t, now, s.CreatedAt())
		assert.Equal(t, "10.0.0.1:5000", s.RemoteAddr())
	})

	t.Run("rejects incomplete request", func(t *testing.T) {
		err := s.Bind(BindRequest{UserID: "u1"})
		assert.ErrorIs(t, err, ErrInvalidBindRequest)
		assert.False(t, s.Bound())
	})

	t.Run("binds identity and metadata", func(t *testing.T) {
		err := s.Bind(BindRequest{UserID: "u1", DeviceID: "d1", DeviceType: "mobile", Metadata: map[string]string{"app": "2.1"}})
		require.NoError(t, err)

		user, device, deviceType, bound := s.Identity()
		assert.Equal(t, "u1", user)
		assert.Equal(t, "d1", device)
		assert.Equal(t, "mobile", deviceType)
		assert.True(t, bound)

		v, ok := s.Attribute("app")
		require.True(t, ok)
		assert.Equal(t, "2.1", v)
	})

	t.Run("second bind fails", func(t *testing.T) {
		err := s.Bind(BindRequest{UserID: "u2", DeviceID: "d2"})
		assert.ErrorIs(t, err, ErrAlreadyBound)
		assert.Equal(t, "u1", s.UserID())
	})

	t.Run("unbind keeps identity readable", func(t *testing.T) {
		assert.True(t, s.Unbind())
		assert.False(t, s.Unbind())
		assert.False(t, s.Bound())
		assert.Equal(t, "d1", s.DeviceID())
	})
}

func TestSession_MarkEvicted_Once(t *testing.T) {
	s := New("n-2", &stubConn{}, time.Now())

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.MarkEvicted() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.True(t, s.Evicted())
}

func TestSession_TouchAndConn(t *testing.T) {
	conn := &stubConn{}
	start := time.Now()
	s := New("n-3", conn, start)

	later := start.Add(time.Minute)
	s.Touch(later)
	assert.Equal(t, later.UnixNano(), s.LastActive().UnixNano())

	require.NoError(t, s.Send([]byte("hi")))
	assert.Len(t, conn.sent, 1)

	assert.True(t, s.IsActive())
	require.NoError(t, s.Close())
	assert.False(t, s.IsActive())

	s.SetAttribute("k", 1)
	s.DeleteAttribute("k")
	_, ok := s.Attribute("k")
	assert.False(t, ok)
}
