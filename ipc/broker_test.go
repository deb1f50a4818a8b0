package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestBroker(t *testing.T) *RequestBroker {
	t.Helper()
	return NewRequestBroker(zaptest.NewLogger(t).Sugar())
}

func TestRequestBroker_RegisterAndDeliver(t *testing.T) {
	b := newTestBroker(t)
	await := b.Register("req-1", time.Second)

	b.Deliver("req-1", Result{RequestID: "req-1", Success: true, Data: "ok"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Data)
}

func TestRequestBroker_AwaitTimesOutWithoutDeliver(t *testing.T) {
	b := newTestBroker(t)
	await := b.Register("req-1", time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := await(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRequestBroker_SecondDeliverIgnored(t *testing.T) {
	b := newTestBroker(t)
	await := b.Register("req-1", time.Second)

	b.Deliver("req-1", Result{RequestID: "req-1", Data: "first"})
	b.Deliver("req-1", Result{RequestID: "req-1", Data: "second"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", res.Data, "the reply channel is buffered to 1; the second delivery is dropped")
}

func TestRequestBroker_DeliverForUnknownRequestIsDropped(t *testing.T) {
	b := newTestBroker(t)
	assert.NotPanics(t, func() {
		b.Deliver("never-registered", Result{Data: "whatever"})
	})
	assert.Equal(t, 0, b.Pending())
}

func TestRequestBroker_ForgetAfterAwaitReturns(t *testing.T) {
	b := newTestBroker(t)
	await := b.Register("req-1", time.Second)
	assert.Equal(t, 1, b.Pending())

	b.Deliver("req-1", Result{Data: "ok"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := await(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, b.Pending(), "await's defer removes the pending entry once it returns")
}

func TestRequestBroker_SweepRemovesExpiredEntries(t *testing.T) {
	b := newTestBroker(t)
	b.Register("req-1", -1*time.Hour)
	b.Register("req-2", time.Hour)

	swept := b.Sweep()
	assert.Equal(t, 1, swept)
	assert.Equal(t, 1, b.Pending())
}

func TestRequestBroker_RunSweeperStopsOnContextCancel(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		b.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSweeper did not return after context cancellation")
	}
}
