package storage_test

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/jobsync/internal/events"
	"github.com/TheMichaelB/jobsync/internal/storage"
)

func newStore(t *testing.T) *storage.LocalStore {
	t.Helper()
	var buf bytes.Buffer
	store, err := storage.NewLocalStore(t.TempDir(), events.NewTestLogger(events.DebugLevel, "json", &buf))
	require.NoError(t, err)
	return store
}

func TestAtomicWrites(t *testing.T) {
	store := newStore(t)

	t.Run("concurrent writes different files", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make(chan error, 10)

		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				name := fmt.Sprintf("concurrent-%d.json", n)
				if err := store.Write(name, []byte(fmt.Sprintf("content-%d", n))); err != nil {
					errs <- err
				}
			}(i)
		}

		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("Write error: %v", err)
		}

		for i := 0; i < 10; i++ {
			data, err := store.Read(fmt.Sprintf("concurrent-%d.json", i))
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("content-%d", i), string(data))
		}
	})

	t.Run("concurrent writes same file", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				_ = store.Write("shared.json", []byte(strings.Repeat(fmt.Sprint(n), 100)))
			}(i)
		}
		wg.Wait()

		data, err := store.Read("shared.json")
		require.NoError(t, err)
		require.Len(t, data, 100)
		assert.Equal(t, strings.Repeat(string(data[0]), 100), string(data), "content is never interleaved")
	})

	t.Run("overwrite replaces content", func(t *testing.T) {
		require.NoError(t, store.Write("snap.json", []byte("first version, longer")))
		require.NoError(t, store.Write("snap.json", []byte("second")))

		data, err := store.Read("snap.json")
		require.NoError(t, err)
		assert.Equal(t, "second", string(data))
	})

	t.Run("no temp files left behind", func(t *testing.T) {
		entries, err := os.ReadDir(store.Dir())
		require.NoError(t, err)
		for _, e := range entries {
			assert.NotContains(t, e.Name(), ".tmp.")
		}
	})

	t.Run("files are private", func(t *testing.T) {
		require.NoError(t, store.Write("private.json", []byte("{}")))
		info, err := os.Stat(store.Dir() + "/private.json")
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	})

	t.Run("size limit", func(t *testing.T) {
		store.SetMaxFileSize(1024)
		defer store.SetMaxFileSize(storage.DefaultMaxFileSize)

		assert.NoError(t, store.Write("small.json", bytes.Repeat([]byte("a"), 1024)))
		err := store.Write("large.json", bytes.Repeat([]byte("b"), 2048))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")

		_, err = store.Stat("large.json")
		assert.ErrorIs(t, err, fs.ErrNotExist)
	})
}

func TestMissingFiles(t *testing.T) {
	store := newStore(t)

	_, err := store.Read("absent.json")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = store.Stat("absent.json")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	assert.NoError(t, store.Delete("absent.json"))
}

func TestStatAndDelete(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Write("meta.json", []byte(`{"timestamp":"x"}`)))

	info, err := store.Stat("meta.json")
	require.NoError(t, err)
	assert.Equal(t, "meta.json", info.Name)
	assert.Equal(t, int64(17), info.Size)
	assert.False(t, info.ModTime.IsZero())

	require.NoError(t, store.Delete("meta.json"))
	_, err = store.Read("meta.json")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestMemoryStore(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Write("a.json", []byte("1")))
	assert.True(t, store.Exists("a.json"))

	store.FailWrites(fmt.Errorf("disk full"))
	assert.EqualError(t, store.Write("b.json", []byte("2")), "disk full")
	assert.False(t, store.Exists("b.json"))

	require.NoError(t, store.Delete("a.json"))
	_, err := store.Read("a.json")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
