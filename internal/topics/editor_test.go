package topics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

func newDirRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := NewRegistry(dir, logger.NewNop())
	require.NoError(t, err)
	return r, dir
}

func TestRegistry_CreateWritesAndReloads(t *testing.T) {
	t.Parallel()
	r, dir := newDirRegistry(t)
	changed := 0
	r.OnChange(func() { changed++ })

	cfg, err := r.Create([]byte(validTopic))
	require.NoError(t, err)
	assert.Equal(t, "go-news", cfg.Slug)
	assert.Equal(t, 1, changed)

	got, ok := r.Topic("go-news")
	require.True(t, ok)
	assert.Equal(t, "Go News", got.Name)

	data, err := os.ReadFile(filepath.Join(dir, "go-news.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"name\": \"Go News\"")

	_, err = r.Create([]byte(validTopic))
	require.ErrorIs(t, err, ErrExists)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestRegistry_CreateRejectsInvalid(t *testing.T) {
	t.Parallel()
	r, dir := newDirRegistry(t)

	_, err := r.Create([]byte(`{"name":"x","slug":"../etc","sources":[]}`))
	require.ErrorIs(t, err, ErrInvalidTopic)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRegistry_CreateRollsBackWhenDirectoryIsBroken(t *testing.T) {
	t.Parallel()
	r, dir := newDirRegistry(t)
	writeTopic(t, dir, "broken.json", `{"name":`)

	_, err := r.Create([]byte(validTopic))
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "go-news.json"))
	_, ok := r.Topic("go-news")
	assert.False(t, ok)
}

func TestRegistry_Update(t *testing.T) {
	t.Parallel()
	r, dir := newDirRegistry(t)
	writeTopic(t, dir, "custom-name.json", validTopic)
	require.NoError(t, r.Reload())

	updated := `{"name":"Go Weekly","slug":"go-news","sources":[]}`
	cfg, err := r.Update("go-news", []byte(updated))
	require.NoError(t, err)
	assert.Equal(t, "Go Weekly", cfg.Name)

	got, _ := r.Topic("go-news")
	assert.Equal(t, "Go Weekly", got.Name)
	assert.NoFileExists(t, filepath.Join(dir, "go-news.json"), "the existing file is rewritten in place")

	_, err = r.Update("go-news", []byte(`{"name":"x","slug":"other","sources":[]}`))
	require.ErrorIs(t, err, ErrInvalidTopic)

	_, err = r.Update("missing", []byte(`{"name":"x","slug":"missing","sources":[]}`))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_Remove(t *testing.T) {
	t.Parallel()
	r, dir := newDirRegistry(t)
	writeTopic(t, dir, "go-news.json", validTopic)
	require.NoError(t, r.Reload())

	require.NoError(t, r.Remove("go-news"))
	assert.Equal(t, 0, r.Len())
	assert.NoFileExists(t, filepath.Join(dir, "go-news.json"))

	require.ErrorIs(t, r.Remove("go-news"), ErrNotFound)
}

func TestStaticRegistry_IsReadOnly(t *testing.T) {
	t.Parallel()
	r := NewStaticRegistry()

	_, err := r.Create([]byte(validTopic))
	require.ErrorIs(t, err, ErrReadOnly)
	_, err = r.Update("go-news", []byte(validTopic))
	require.ErrorIs(t, err, ErrReadOnly)
	require.ErrorIs(t, r.Remove("go-news"), ErrReadOnly)
}
