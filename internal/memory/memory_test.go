package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/mark3labs/espagent/internal/nats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *KVStore {
	t.Helper()
	pool, err := nats.Open(nats.Options{DataDir: t.TempDir(), Size: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })
	require.NoError(t, nats.Bootstrap(context.Background(), pool))
	return NewKVStore(pool)
}

func strPtr(s string) *string { return &s }

func TestKVStore_NamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	alice := Namespace{UserID: "u1", UserName: "alice"}
	aliceAlias := Namespace{UserID: "u1", UserName: "alice2"}
	other := Namespace{UserID: "u2", UserName: "alice"}

	require.NoError(t, store.Put(ctx, alice, Record{ID: "mem_1", Info: "board uses uart0", UserName: "alice", Timestamp: 1}))

	got, err := store.Search(ctx, alice, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mem_1", got[0].ID)
	assert.Equal(t, "board uses uart0", got[0].Info)
	assert.Nil(t, got[0].TaskInfo)

	for _, ns := range []Namespace{aliceAlias, other} {
		got, err := store.Search(ctx, ns, 10)
		require.NoError(t, err)
		assert.Empty(t, got, "namespace %s must not see alice's records", ns)
	}
}

func TestKVStore_UnusualNames(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	ns := Namespace{UserID: "dev.box*", UserName: "张 三/>"}
	require.NoError(t, store.Put(ctx, ns, Record{ID: "mem_9", Info: "x", TaskInfo: strPtr("t"), Timestamp: 9}))

	got, err := store.Search(ctx, ns, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].TaskInfo)
	assert.Equal(t, "t", *got[0].TaskInfo)
}

func TestKVStore_OrderingAndLimit(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	ns := Namespace{UserID: "u", UserName: "n"}

	for i := 1; i <= 12; i++ {
		require.NoError(t, store.Put(ctx, ns, Record{
			ID:        fmt.Sprintf("mem_%d", i),
			Info:      fmt.Sprintf("note %d", i),
			Timestamp: float64(i),
		}))
	}
	// Same id overwrites.
	require.NoError(t, store.Put(ctx, ns, Record{ID: "mem_12", Info: "note 12 v2", Timestamp: 12}))

	got, err := store.Search(ctx, ns, 10)
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, "note 12 v2", got[0].Info)
	assert.Equal(t, "note 3", got[9].Info)

	all, err := store.Search(ctx, ns, 0)
	require.NoError(t, err)
	assert.Len(t, all, 12)
}

func TestKVStore_RejectsBadIDs(t *testing.T) {
	store := newStore(t)
	ns := Namespace{UserID: "u", UserName: "n"}
	for _, id := range []string{"", "a.b", "a*", "a b"} {
		assert.Error(t, store.Put(context.Background(), ns, Record{ID: id}), "id %q", id)
	}
}
