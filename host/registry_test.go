package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(zaptest.NewLogger(t).Sugar())
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := newTestRegistry(t)
	id, err := r.Register(&PluginRecord{PluginID: "plugin-a", Name: "A"})
	require.NoError(t, err)
	assert.Equal(t, "plugin-a", id)

	rec, ok := r.Get("plugin-a")
	require.True(t, ok)
	assert.Equal(t, "A", rec.Name)
}

func TestRegistry_RegisterNilOrEmptyID(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(nil)
	assert.Error(t, err)

	_, err = r.Register(&PluginRecord{})
	assert.Error(t, err)
}

func TestRegistry_RegisterAutoRenamesOnCollision(t *testing.T) {
	r := newTestRegistry(t)
	id1, err := r.Register(&PluginRecord{PluginID: "plugin-a"})
	require.NoError(t, err)
	id2, err := r.Register(&PluginRecord{PluginID: "plugin-a"})
	require.NoError(t, err)
	id3, err := r.Register(&PluginRecord{PluginID: "plugin-a"})
	require.NoError(t, err)

	assert.Equal(t, "plugin-a", id1)
	assert.Equal(t, "plugin-a-2", id2)
	assert.Equal(t, "plugin-a-3", id3)

	assert.Len(t, r.List(), 3)
}

func TestRegistry_Unregister(t *testing.T) {
	r := newTestRegistry(t)
	id, err := r.Register(&PluginRecord{PluginID: "plugin-a"})
	require.NoError(t, err)

	r.Unregister(id)
	_, ok := r.Get(id)
	assert.False(t, ok)
}

func TestRegistry_ListIsSorted(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"zebra", "apple", "mango"} {
		_, err := r.Register(&PluginRecord{PluginID: id})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"apple", "mango", "zebra"}, r.List())
}

func TestRegistry_GetAllMatchesListOrder(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"c-plugin", "a-plugin", "b-plugin"} {
		_, err := r.Register(&PluginRecord{PluginID: id})
		require.NoError(t, err)
	}
	all := r.GetAll()
	require.Len(t, all, 3)
	assert.Equal(t, "a-plugin", all[0].PluginID)
	assert.Equal(t, "b-plugin", all[1].PluginID)
	assert.Equal(t, "c-plugin", all[2].PluginID)
}

func TestRegistry_SetHostAndHost(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(&PluginRecord{PluginID: "plugin-a"})
	require.NoError(t, err)

	_, ok := r.Host("plugin-a")
	assert.False(t, ok)

	r.SetHost("plugin-a", nil)
	h, ok := r.Host("plugin-a")
	assert.True(t, ok)
	assert.Nil(t, h)
}

func TestPluginRecord_Index(t *testing.T) {
	rec := &PluginRecord{
		PluginID: "plugin-a",
		EntriesByKind: map[string][]EventHandler{
			"plugin_entry": {
				{PluginID: "plugin-a", EventType: "plugin_entry", EventID: "run"},
			},
		},
	}
	byComposite, byTyped := rec.Index()
	assert.Contains(t, byComposite, "plugin-a.run")
	assert.Contains(t, byTyped, "plugin-a:plugin_entry:run")
}
