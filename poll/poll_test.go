package poll

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipe(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return r, w
}

func TestWaitTimeoutIsZeroReady(t *testing.T) {
	r, _ := pipe(t)

	start := time.Now()
	res, err := New().Wait([]int{int(r.Fd())}, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, res.Ready)
	assert.Empty(t, res.Broken)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitReportsReadyIndexes(t *testing.T) {
	r0, _ := pipe(t)
	r1, w1 := pipe(t)
	_, err := w1.Write([]byte{1})
	require.NoError(t, err)

	res, err := New().Wait([]int{int(r0.Fd()), int(r1.Fd())}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, res.Ready)
	assert.Empty(t, res.Broken)
}

func TestWaitReportsHangup(t *testing.T) {
	r, w := pipe(t)
	require.NoError(t, w.Close())

	res, err := New().Wait([]int{int(r.Fd())}, time.Second)
	require.NoError(t, err)
	assert.Empty(t, res.Ready)
	assert.Equal(t, []int{0}, res.Broken)
}

func TestWaitWithoutDescriptorsSleeps(t *testing.T) {
	start := time.Now()
	res, err := New().Wait(nil, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, res.Ready)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}
