package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"sorte-pix-app/internal/db"
	"sorte-pix-app/internal/store"
)

func backends(t *testing.T) map[string]store.Store {
	t.Helper()

	conn, err := db.Open(":memory:", "")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(conn))

	return map[string]store.Store{
		"memory": store.NewMemory(),
		"sql":    store.NewSQL(conn),
	}
}

func TestStore_GetSetList(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "missing")
			require.ErrorIs(t, err, store.ErrNotFound)

			require.NoError(t, s.Set(ctx, "quotas_b", []byte(`["1"]`)))
			require.NoError(t, s.Set(ctx, "quotas_a", []byte(`["2"]`)))
			require.NoError(t, s.Set(ctx, "tracking_x", []byte(`{}`)))

			// overwrite
			require.NoError(t, s.Set(ctx, "quotas_a", []byte(`["3"]`)))
			v, err := s.Get(ctx, "quotas_a")
			require.NoError(t, err)
			require.Equal(t, `["3"]`, string(v))

			keys, err := s.List(ctx, "quotas_")
			require.NoError(t, err)
			require.Equal(t, []string{"quotas_a", "quotas_b"}, keys)
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	type item struct {
		Name string `json:"name"`
	}
	require.NoError(t, store.SetJSON(ctx, s, "item", item{Name: "x"}))

	var got item
	require.NoError(t, store.GetJSON(ctx, s, "item", &got))
	require.Equal(t, "x", got.Name)

	require.ErrorIs(t, store.GetJSON(ctx, nil, "item", &got), store.ErrUnavailable)
	require.ErrorIs(t, store.SetJSON(ctx, nil, "item", got), store.ErrUnavailable)
}
