package operator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sunshow/workgear/sessionstore/internal/config"
)

func newTestRegistry() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r, zap.NewNop().Sugar())
	return r
}

func TestResolve(t *testing.T) {
	r := newTestRegistry()

	op, cmd, err := r.Resolve(config.MustParse(`{"retry":2,"echo>":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, EchoName, op.Name())
	assert.Equal(t, "hello", cmd)

	op, cmd, err = r.Resolve(config.MustParse(`{"retry":2}`))
	require.NoError(t, err)
	assert.Equal(t, NoopName, op.Name())
	assert.Nil(t, cmd)

	_, _, err = r.Resolve(config.MustParse(`{"sh>":"ls"}`))
	var noOp *NoOperatorError
	require.ErrorAs(t, err, &noOp)
	assert.Equal(t, "sh", noOp.Name)

	assert.ElementsMatch(t, []string{NoopName, EchoName, FailName, StoreName}, r.Names())
}

func TestCommandOfIgnoresBareSuffix(t *testing.T) {
	_, _, ok := CommandOf(config.MustParse(`{">":"x"}`))
	assert.False(t, ok)
}

func TestBuiltins(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	echo, err := r.Get(EchoName)
	require.NoError(t, err)
	res, err := echo.Run(ctx, &Request{TaskID: 1, FullName: "+flow+a", Command: "hi"})
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, "hi", res.Outputs[0].GetString("message", ""))

	fail, err := r.Get(FailName)
	require.NoError(t, err)
	_, err = fail.Run(ctx, &Request{Command: "disk full"})
	assert.EqualError(t, err, "disk full")
	_, isRetryable := AsRetryable(err)
	assert.False(t, isRetryable)

	store, err := r.Get(StoreName)
	require.NoError(t, err)
	cfg := config.MustParse(`{"store>":{"b":1,"a":2}}`)
	_, cmd, _ := CommandOf(cfg)
	res, err = store.Run(ctx, &Request{Command: cmd})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, res.CarryParams.Keys())

	_, err = store.Run(ctx, &Request{Command: "scalar"})
	assert.Error(t, err)
}

func TestRetryableError(t *testing.T) {
	cause := errors.New("rate limited")
	err := Retry(30*time.Second, cause)

	re, ok := AsRetryable(err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, re.Interval)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "rate limited")
}
