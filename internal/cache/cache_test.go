package cache

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event_cache.json")

	c, err := Open(testLogger(), path)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Has(1))
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event_cache.json")

	c, err := Open(testLogger(), path)
	require.NoError(t, err)
	c.Put(42, json.RawMessage(`{"Id":42,"Name":"Swim Clinic"}`))
	require.NoError(t, c.Save())
	require.NoError(t, c.Close())

	reopened, err := Open(testLogger(), path)
	require.NoError(t, err)
	defer reopened.Close()

	raw, ok := reopened.Get(42)
	require.True(t, ok)
	assert.JSONEq(t, `{"Id":42,"Name":"Swim Clinic"}`, string(raw))
	assert.Equal(t, 1, reopened.Len())
}

func TestFileFormatIsIDKeyedObject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event_cache.json")

	c, err := Open(testLogger(), path)
	require.NoError(t, err)
	c.Put(7, json.RawMessage(`{"Id":7}`))
	require.NoError(t, c.Save())
	require.NoError(t, c.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "7")
}

func TestOpen_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event_cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))

	_, err := Open(testLogger(), path)
	assert.Error(t, err)

	// A failed open must not leave the lock held.
	require.NoError(t, os.Remove(path))
	c, err := Open(testLogger(), path)
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

func TestOpen_SecondWriterIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event_cache.json")

	first, err := Open(testLogger(), path)
	require.NoError(t, err)

	_, err = Open(testLogger(), path)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Close())

	second, err := Open(testLogger(), path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestPutCopiesInput(t *testing.T) {
	c, err := Open(testLogger(), filepath.Join(t.TempDir(), "c.json"))
	require.NoError(t, err)
	defer c.Close()

	buf := []byte(`{"Id":1}`)
	c.Put(1, buf)
	buf[2] = 'X'

	raw, _ := c.Get(1)
	assert.Equal(t, `{"Id":1}`, string(raw))
}
