package hal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingCloser struct {
	n   int
	err error
}

func (c *countingCloser) Close() error {
	c.n++
	return c.err
}

func TestBackendCloseIsIdempotent(t *testing.T) {
	first := &countingCloser{}
	second := &countingCloser{err: errors.New("dlclose")}
	b := &Backend{Family: "partial"}
	b.AddCloser(first)
	b.AddCloser(second)

	err := b.Close()
	assert.EqualError(t, err, "dlclose")
	assert.NoError(t, b.Close())
	assert.Equal(t, 1, first.n)
	assert.Equal(t, 1, second.n)

	empty := &Backend{}
	assert.NoError(t, empty.Close())
}

func TestOpenUnknownFamily(t *testing.T) {
	_, err := Open("does-not-exist", Options{})
	assert.True(t, errors.Is(err, ErrUnknownFamily))
}

func TestOpenRejectsIncompleteTable(t *testing.T) {
	closer := &countingCloser{}
	Register("test-incomplete", func(opts Options) (*Backend, error) {
		b := &Backend{Family: "test-incomplete"}
		b.AddCloser(closer)
		return b, nil
	})

	_, err := Open("test-incomplete", Options{Logger: zaptest.NewLogger(t)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	var ue *UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, ModuleSystem, ue.Kind)
	assert.Equal(t, 1, closer.n, "partially resolved table must be released")
	assert.Contains(t, Families(), "test-incomplete")
}

func TestRegisterTwicePanics(t *testing.T) {
	f := func(Options) (*Backend, error) { return nil, nil }
	Register("test-dup", f)
	assert.Panics(t, func() { Register("test-dup", f) })
}

func TestUnwindRunsEveryStep(t *testing.T) {
	var order []string
	errA := errors.New("a failed")
	step := func(name string, err error) Step {
		return Step{Name: name, Fn: func() error {
			order = append(order, name)
			return err
		}}
	}

	err := Unwind(zaptest.NewLogger(t),
		step("a", errA),
		step("b", nil),
		step("c", errors.New("c failed")),
	)

	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.True(t, errors.Is(err, errA))
	assert.Contains(t, err.Error(), "a:")
}

func TestCheckWrapsNativeCode(t *testing.T) {
	assert.NoError(t, Check("MI_SYS_Init", 0))
	err := Check("MI_SYS_Init", -1610612733)
	var ce *CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "MI_SYS_Init", ce.Op)
	assert.Contains(t, err.Error(), "0xa0000003")
}

func TestEndpointString(t *testing.T) {
	assert.Equal(t, "scaler[0/0:1]", Endpoint{Kind: ModuleScaler, Port: 1}.String())
	assert.Equal(t, "encoder[0/3]", Endpoint{Kind: ModuleEncoder, Channel: 3, Port: NoPort}.String())
}
