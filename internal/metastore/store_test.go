package metastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	meta := NewFileMeta("/mnt/ssd")
	meta.AccessCount = 3
	meta.Pinned = true
	require.NoError(t, s.Put("dir/file.bin", meta))

	got, err := s.Get("dir/file.bin")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/ssd", got.TierPath)
	assert.Equal(t, uint64(3), got.AccessCount)
	assert.True(t, got.Pinned)
	assert.Greater(t, got.Popularity, 0.0)

	require.NoError(t, s.Delete("dir/file.bin"))
	_, err = s.Get("dir/file.bin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeyNormalization(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put("/a/b", NewFileMeta("/t")))
	got, err := s.Get("a/b")
	require.NoError(t, err)
	assert.Equal(t, "/t", got.TierPath)
}

func TestScanPrefixOrderedAndBounded(t *testing.T) {
	s := openTestStore(t)

	for _, key := range []string{"d/b", "d2/c", "d/a", "e/x"} {
		require.NoError(t, s.Put(key, NewFileMeta("/t")))
	}

	var keys []string
	err := s.ScanPrefix("d/", func(key string, meta *FileMeta) error {
		keys = append(keys, key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"d/a", "d/b"}, keys, "scan must be ordered and must not leak into d2/")
}

func TestBatchAtomic(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put("old", NewFileMeta("/t")))
	err := s.Batch([]string{"old"}, []KV{{Key: "new", Meta: NewFileMeta("/t2")}})
	require.NoError(t, err)

	_, err = s.Get("old")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := s.Get("new")
	require.NoError(t, err)
	assert.Equal(t, "/t2", got.TierPath)
}

func TestRenamePrefix(t *testing.T) {
	s := openTestStore(t)

	for _, key := range []string{"d/a", "d/b", "d2/c"} {
		require.NoError(t, s.Put(key, NewFileMeta("/t")))
	}

	require.NoError(t, s.RenamePrefix("d", "e"))

	var keys []string
	require.NoError(t, s.IterateAll(func(key string, meta *FileMeta) error {
		keys = append(keys, key)
		return nil
	}))
	assert.ElementsMatch(t, []string{"e/a", "e/b", "d2/c"}, keys)
}

func TestRenamePrefixEmpty(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put("d2/c", NewFileMeta("/t")))
	require.NoError(t, s.RenamePrefix("d", "e"), "renaming an empty subtree is a no-op")
}
