package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<rss/>")
	uri, err := store.PutObject(context.Background(), "feeds/abc/def.xml", "application/xml", payload)
	require.NoError(t, err)
	assert.Equal(t, "memory://feeds/abc/def.xml", uri)

	payload[0] = 'X'
	stored, ok := store.Object("feeds/abc/def.xml")
	require.True(t, ok)
	assert.Equal(t, "<rss/>", string(stored))
	assert.Equal(t, []string{"feeds/abc/def.xml"}, store.Paths())
}

func TestBlobStoreRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), "", "application/xml", []byte("x"))
	require.Error(t, err)
}
