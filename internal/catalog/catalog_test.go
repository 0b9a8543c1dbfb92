package catalog

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvasily/streetmarket/internal/storage"
)

func addProduct(t *testing.T, store *storage.MemoryStore, city, district, ptype string) {
	t.Helper()
	_, err := store.InsertProduct(context.Background(), &storage.Product{
		City: city, District: district, ProductType: ptype, Size: "M",
		Name: ptype + " M", Price: 1000, Available: 1,
	}, nil)
	require.NoError(t, err)
}

func TestService_EmptyBeforeRefresh(t *testing.T) {
	s := New(storage.NewMemoryStore(), slog.Default())
	snap := s.Current()
	require.NotNil(t, snap)
	assert.Empty(t, snap.Cities)
}

func TestService_RefreshBuildsHierarchy(t *testing.T) {
	store := storage.NewMemoryStore()
	s := New(store, slog.Default())
	ctx := context.Background()

	addProduct(t, store, "Riga", "Centrs", "widget")
	addProduct(t, store, "Riga", "Centrs", "gadget")
	addProduct(t, store, "Riga", "Agenskalns", "widget")
	addProduct(t, store, "Liepaja", "Vecliepaja", "widget")

	require.NoError(t, s.Refresh(ctx))
	snap := s.Current()

	assert.Equal(t, []string{"Liepaja", "Riga"}, snap.Cities)
	assert.Equal(t, []string{"Agenskalns", "Centrs"}, snap.DistrictsOf("Riga"))
	assert.Equal(t, []string{"gadget", "widget"}, snap.TypesOf("Riga", "Centrs"))
	assert.Empty(t, snap.TypesOf("Riga", "Nowhere"))
}

func TestService_SnapshotIsImmutableAcrossRefresh(t *testing.T) {
	store := storage.NewMemoryStore()
	s := New(store, slog.Default())
	ctx := context.Background()

	addProduct(t, store, "Riga", "Centrs", "widget")
	require.NoError(t, s.Refresh(ctx))
	old := s.Current()

	addProduct(t, store, "Liepaja", "Vecliepaja", "widget")
	require.NoError(t, s.Refresh(ctx))

	// The reader's snapshot is unchanged; the fresh one sees the new city.
	assert.Equal(t, []string{"Riga"}, old.Cities)
	assert.Equal(t, []string{"Liepaja", "Riga"}, s.Current().Cities)
}
