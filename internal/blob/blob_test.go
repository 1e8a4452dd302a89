package blob

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)

	meta := map[string]string{"filename": "orders.csv", "chunk": "1"}
	require.NoError(t, s.Put(ctx, "a/1", []byte("hello"), meta))

	data, info, err := Get(ctx, s, "a/1")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, int64(5), info.Size)
	assert.Equal(t, meta, info.Metadata)
	assert.Equal(t, ContentTypeBinary, info.ContentType)
	assert.False(t, info.CreatedAt.IsZero())
}

func TestSQLiteStore_Overwrite(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)

	require.NoError(t, s.Put(ctx, "k", []byte("one"), nil))
	require.NoError(t, s.Put(ctx, "k", []byte("second"), map[string]string{"v": "2"}))

	data, info, err := Get(ctx, s, "k")
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
	assert.Equal(t, "2", info.Metadata["v"])
}

func TestSQLiteStore_EmptyPayload(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)

	require.NoError(t, s.Put(ctx, "empty", nil, nil))
	data, info, err := Get(ctx, s, "empty")
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.NotNil(t, info.Metadata)
}

func TestSQLiteStore_MissingAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)

	_, _, err := s.Open(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "gone", []byte("x"), nil))
	require.NoError(t, s.Delete(ctx, "gone"))
	_, _, err = s.Open(ctx, "gone")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting twice is fine.
	require.NoError(t, s.Delete(ctx, "gone"))
	require.NoError(t, s.Ping(ctx))
}

func TestPackMeta(t *testing.T) {
	packed, err := packMeta(map[string]string{"name": "ä b/c", "x": ""})
	require.NoError(t, err)
	assert.NotContains(t, packed, "/c")
	assert.Equal(t, map[string]string{"name": "ä b/c", "x": ""}, unpackMeta(packed))

	assert.Empty(t, unpackMeta(""))
	assert.Empty(t, unpackMeta("!!not base64"))
}

func TestNew_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, Options{Backend: "postgres"})
	assert.Error(t, err)
	_, err = New(ctx, Options{Backend: "sqlite"})
	assert.Error(t, err)
	_, err = New(ctx, Options{Backend: "s3"})
	assert.Error(t, err)
	_, err = New(ctx, Options{Backend: "azure", AzureAccount: "acct"})
	assert.Error(t, err)
	_, err = New(ctx, Options{Backend: "sftp", SFTP: SFTPConfig{Host: "h", User: "u"}})
	assert.Error(t, err, "no password or key")
	_, err = New(ctx, Options{Backend: "floppy"})
	assert.Error(t, err)

	s, err := New(ctx, Options{Backend: "sftp", SFTP: SFTPConfig{Host: "h", User: "u", Password: "p", BaseDir: "/in/"}})
	require.NoError(t, err)
	assert.Equal(t, "sftp", s.Backend())
	assert.Equal(t, "/in/x/1", s.(*SFTPStore).remotePath("x/1"))

	s, err = New(ctx, Options{Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "b.db")})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", s.Backend())
	require.NoError(t, s.Close())
}
