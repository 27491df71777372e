package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_StoreAndRetrieve(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	payload := []byte(`{"symbols":["AAPL"]}`)
	ref, err := store.Store(context.Background(), "20260727T093000.000000000", payload)
	require.NoError(t, err)

	got, err := store.Retrieve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestLocalStore_RetrieveMissingReference(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Retrieve(context.Background(), "does-not-exist.json")
	assert.Error(t, err)
}
