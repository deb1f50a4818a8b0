package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestHub(t *testing.T) *BusChangeHub {
	t.Helper()
	return NewBusChangeHub(zaptest.NewLogger(t).Sugar())
}

func TestBusChangeHub_EmitDeliversToRegisteredSubscriber(t *testing.T) {
	h := newTestHub(t)
	ch := h.Register("sub-1", 4)

	h.Emit(BusEvents, ChangePayload{Op: "add", Rev: 1, ID: "x"})

	select {
	case ev := <-ch:
		assert.Equal(t, BusEvents, ev.Bus)
		assert.Equal(t, uint64(1), ev.Payload.Rev)
	case <-time.After(time.Second):
		t.Fatal("expected a change event, got none")
	}
}

func TestBusChangeHub_UnregisterClosesChannel(t *testing.T) {
	h := newTestHub(t)
	ch := h.Register("sub-1", 4)
	h.Unregister("sub-1")

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unregister")
}

func TestBusChangeHub_EmitDropsOnFullQueue(t *testing.T) {
	h := newTestHub(t)
	ch := h.Register("sub-1", 1)

	h.Emit(BusEvents, ChangePayload{Op: "add", Rev: 1})
	h.Emit(BusEvents, ChangePayload{Op: "add", Rev: 2}) // dropped: queue depth 1, nobody draining

	select {
	case ev := <-ch:
		assert.Equal(t, uint64(1), ev.Payload.Rev, "the dropped second event must not overwrite the first")
	default:
		t.Fatal("expected the first buffered event to still be present")
	}
}

func TestBusChangeHub_EmitWithNoSubscribers(t *testing.T) {
	h := newTestHub(t)
	assert.NotPanics(t, func() {
		h.Emit(BusEvents, ChangePayload{Op: "add"})
	})
}

func TestSubscriptionTable_AddRequiresBusAndSubID(t *testing.T) {
	tbl := NewSubscriptionTable()
	err := tbl.Add(Subscription{Bus: "", SubID: "s1"})
	assert.Error(t, err)

	err = tbl.Add(Subscription{Bus: BusEvents, SubID: ""})
	assert.Error(t, err)

	err = tbl.Add(Subscription{Bus: BusEvents, SubID: "s1", Rules: []string{"add"}})
	require.NoError(t, err)
}

func TestSubscriptionTable_ForBus(t *testing.T) {
	tbl := NewSubscriptionTable()
	require.NoError(t, tbl.Add(Subscription{Bus: BusEvents, SubID: "s1"}))
	require.NoError(t, tbl.Add(Subscription{Bus: BusEvents, SubID: "s2"}))
	require.NoError(t, tbl.Add(Subscription{Bus: BusRuns, SubID: "s3"}))

	subs := tbl.ForBus(BusEvents)
	assert.Len(t, subs, 2)
	assert.Len(t, tbl.ForBus(BusRuns), 1)
	assert.Empty(t, tbl.ForBus(BusMemory))
}

func TestSubscriptionTable_Remove(t *testing.T) {
	tbl := NewSubscriptionTable()
	require.NoError(t, tbl.Add(Subscription{Bus: BusEvents, SubID: "s1"}))
	tbl.Remove(BusEvents, "s1")
	assert.Empty(t, tbl.ForBus(BusEvents))
}

func TestSubscriptionTable_RemoveByPlugin(t *testing.T) {
	tbl := NewSubscriptionTable()
	require.NoError(t, tbl.Add(Subscription{Bus: BusEvents, SubID: "s1", FromPlugin: "plugin-a"}))
	require.NoError(t, tbl.Add(Subscription{Bus: BusRuns, SubID: "s2", FromPlugin: "plugin-a"}))
	require.NoError(t, tbl.Add(Subscription{Bus: BusRuns, SubID: "s3", FromPlugin: "plugin-b"}))

	tbl.RemoveByPlugin("plugin-a")

	assert.Empty(t, tbl.ForBus(BusEvents))
	subs := tbl.ForBus(BusRuns)
	require.Len(t, subs, 1)
	assert.Equal(t, "plugin-b", subs[0].FromPlugin)
}

func TestSubscription_AllowsOp(t *testing.T) {
	sub := Subscription{Rules: []string{"add", "del"}}
	assert.True(t, sub.AllowsOp("add"))
	assert.True(t, sub.AllowsOp("del"))
	assert.False(t, sub.AllowsOp("batch"))
}
