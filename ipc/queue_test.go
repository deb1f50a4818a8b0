package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPluginQueues_DefaultsDepth(t *testing.T) {
	q := NewPluginQueues(0)
	assert.Equal(t, defaultQueueDepth, cap(q.CmdCh))
	assert.Equal(t, defaultQueueDepth, cap(q.ResCh))
	assert.Equal(t, defaultQueueDepth, cap(q.StatusCh))
	assert.Equal(t, defaultQueueDepth, cap(q.MsgCh))
	assert.Equal(t, defaultQueueDepth, cap(q.RespCh))
}

func TestNewPluginQueues_CustomDepth(t *testing.T) {
	q := NewPluginQueues(8)
	assert.Equal(t, 8, cap(q.CmdCh))
}

func TestPushCommand_Succeeds(t *testing.T) {
	ch := make(chan Command, 1)
	err := PushCommand(context.Background(), ch, Command{RequestID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "r1", (<-ch).RequestID)
}

func TestPushCommand_RespectsContextCancellation(t *testing.T) {
	ch := make(chan Command) // unbuffered, no reader
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := PushCommand(ctx, ch, Command{RequestID: "r1"})
	assert.Error(t, err)
}

func TestPopWithStop_ReturnsValueWhenAvailable(t *testing.T) {
	ch := make(chan Command, 1)
	ch <- Command{RequestID: "r1"}
	stop := make(chan struct{})

	v, ok := PopWithStop(ch, stop)
	assert.True(t, ok)
	assert.Equal(t, "r1", v.RequestID)
}

func TestPopWithStop_ReturnsFalseOnStop(t *testing.T) {
	ch := make(chan Command)
	stop := make(chan struct{})
	close(stop)

	_, ok := PopWithStop(ch, stop)
	assert.False(t, ok)
}

func TestPopWithStop_ReturnsFalseOnPollTimeout(t *testing.T) {
	ch := make(chan Command)
	stop := make(chan struct{})

	_, ok := PopWithStop(ch, stop)
	assert.False(t, ok, "an empty channel with no stop signal times out after pollInterval")
}
