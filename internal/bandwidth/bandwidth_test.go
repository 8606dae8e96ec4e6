package bandwidth

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveReleaseRoundTripsToZero(t *testing.T) {
	a := New(1000)

	g1 := a.Reserve("t1", 400)
	assert.Greater(t, g1, int64(0))
	g2 := a.Reserve("t2", 400)
	assert.Greater(t, g2, int64(0))

	require.Equal(t, g1+g2, a.Utilisation())

	a.Release("t1")
	assert.Equal(t, g2, a.Utilisation())

	a.Release("t2")
	assert.Equal(t, int64(0), a.Utilisation())
}

func TestReserveCapsAtHeadroom(t *testing.T) {
	a := New(1000)
	granted := a.Reserve("t1", 10000)
	// First reservation sees full capacity as free; 80% of that.
	assert.Equal(t, int64(800), granted)
	assert.Equal(t, granted, a.Utilisation())
}

func TestReleaseIsIdempotent(t *testing.T) {
	a := New(1000)
	a.Reserve("t1", 100)
	a.Release("t1")
	assert.NotPanics(t, func() {
		a.Release("t1")
		a.Release("never-reserved")
	})
	assert.Equal(t, int64(0), a.Utilisation())
}

func TestReReserveSameKeyReplaces(t *testing.T) {
	a := New(1000)
	a.Reserve("t1", 100)
	a.Reserve("t1", 200)
	assert.Equal(t, int64(200), a.Utilisation())
}

// P2: for all interleavings of reserve/release pairs, utilisation at
// every moment equals the sum of outstanding reservations, and is
// exactly zero once nothing is outstanding.
func TestConcurrentReserveReleaseSettlesToZero(t *testing.T) {
	a := New(1_000_000)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("transfer-%d", i)
			a.Reserve(key, 1000)
			a.Release(key)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(0), a.Utilisation())
	assert.Equal(t, 0, a.ActiveCount())
}
