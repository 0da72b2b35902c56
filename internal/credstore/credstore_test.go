package credstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store := New(path)

	creds := &Credentials{
		AccessToken:  "access-123",
		RefreshToken: "refresh-456",
		ExpiresAt:    1900000000,
		APIURL:       "https://api.example.com",
		ClientID:     "client_abc",
	}

	require.NoError(t, store.Save(creds))

	loaded := store.Load()
	require.NotNil(t, loaded)
	assert.Equal(t, creds, loaded)
}

func TestSaveCreatesParentDirAndRestrictsPerms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "credentials.json")
	store := New(path)

	require.NoError(t, store.Save(&Credentials{AccessToken: "tok", ExpiresAt: 1}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())
}

func TestLoadMissingFileReturnsNil(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "does-not-exist.json"))
	assert.Nil(t, store.Load())
}

func TestLoadCorruptFileReturnsNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	assert.Nil(t, New(path).Load())
}

func TestLoadWithoutAccessTokenReturnsNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"refresh_token":"r"}`), 0o600))

	assert.Nil(t, New(path).Load())
}

func TestDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store := New(path)

	require.NoError(t, store.Save(&Credentials{AccessToken: "tok"}))

	removed, err := store.Delete()
	require.NoError(t, err)
	assert.True(t, removed)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	removed, err = store.Delete()
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestSaveOverwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store := New(path)

	require.NoError(t, store.Save(&Credentials{AccessToken: "first"}))
	require.NoError(t, store.Save(&Credentials{AccessToken: "second"}))

	loaded := store.Load()
	require.NotNil(t, loaded)
	assert.Equal(t, "second", loaded.AccessToken)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
