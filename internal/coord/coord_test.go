package coord

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatehw/internal/domain"
)

func TestAllOrNothing(t *testing.T) {
	c := New()
	require.NoError(t, c.TryAcquire("relay", domain.RoleRelayController))

	err := c.TryAcquire("integrated", domain.RoleCardReader, domain.RoleRelayController)
	var busy *BusyError
	require.True(t, errors.As(err, &busy))
	assert.Equal(t, domain.RoleRelayController, busy.Role)
	assert.Equal(t, "relay", busy.Holder)

	_, held := c.Holder(domain.RoleCardReader)
	assert.False(t, held, "partial acquisition must not leak")

	require.NoError(t, c.TryAcquire("reader", domain.RoleCardReader))
}

func TestReleaseOnlyOwnRoles(t *testing.T) {
	c := New()
	require.NoError(t, c.TryAcquire("a", domain.RoleCardReader))
	c.Release("b", domain.RoleCardReader)
	holder, ok := c.Holder(domain.RoleCardReader)
	require.True(t, ok)
	assert.Equal(t, "a", holder)

	c.Release("a", domain.RoleCardReader)
	_, ok = c.Holder(domain.RoleCardReader)
	assert.False(t, ok)
}

func TestConcurrentStartsOneWins(t *testing.T) {
	c := New()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if c.TryAcquire(string(rune('a'+i)), domain.RoleRelayController) == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
