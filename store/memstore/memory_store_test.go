package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cyberinferno/go-sessionhub/policy"
	"github.com/cyberinferno/go-sessionhub/store"
	"github.com/cyberinferno/go-sessionhub/store/storetest"
)

func TestMemoryStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return NewMemoryStore()
	})
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Register(ctx, store.RegisterRequest{UserID: "u", DeviceID: "d"}, policy.Default())
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.FindSessions(ctx, "u")
	assert.ErrorIs(t, err, context.Canceled)

	assert.ErrorIs(t, s.Join(ctx, "g", "u"), context.Canceled)
}
