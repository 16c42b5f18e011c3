package store

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestLoadMissingFileReturnsZeroValue(t *testing.T) {
	f, err := NewFile[record](filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	v, err := f.Load()
	require.NoError(t, err)
	require.Equal(t, record{}, v)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	f, err := NewFile[record](path)
	require.NoError(t, err)

	require.NoError(t, f.Save(record{Name: "hello", Count: 3}))

	v, err := f.Load()
	require.NoError(t, err)
	require.Equal(t, record{Name: "hello", Count: 3}, v)

	// No.tmp file should survive a successful save.
	_, statErr := os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(statErr))
}

func TestSaveOverwritesPreviousContentAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	f, err := NewFile[record](path)
	require.NoError(t, err)

	require.NoError(t, f.Save(record{Name: "v1"}))
	require.NoError(t, f.Save(record{Name: "v2"}))

	v, err := f.Load()
	require.NoError(t, err)
	require.Equal(t, "v2", v.Name)
}

func TestCorruptFileSurfacesIOError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	f, err := NewFile[record](path)
	require.NoError(t, err)

	_, err = f.Load()
	require.Error(t, err)
}

func TestConcurrentSavesDoNotCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	f, err := NewFile[record](path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = f.Save(record{Name: "concurrent", Count: n})
		}(i)
	}
	wg.Wait()

	v, err := f.Load()
	require.NoError(t, err)
	require.Equal(t, "concurrent", v.Name)
}
