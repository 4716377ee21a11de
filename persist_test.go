package dm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPersisterFlushNow(t *testing.T) {
	flushes := 0
	p := newPersister(func() { flushes++ }, time.Minute)

	p.flushNow()
	p.flushNow()
	require.Equal(t, 2, flushes)
}

func TestPersisterDebounceCoalesces(t *testing.T) {
	var mu sync.Mutex
	flushes := 0
	p := newPersister(func() {
		mu.Lock()
		flushes++
		mu.Unlock()
	}, 100*time.Millisecond)

	for range 5 {
		p.schedule()
	}

	mu.Lock()
	require.Equal(t, 0, flushes, "nothing may flush before the window elapses")
	mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return flushes == 1
	}, 2*time.Second, 10*time.Millisecond)

	// the burst collapsed into exactly one write
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	require.Equal(t, 1, flushes)
	mu.Unlock()
}
