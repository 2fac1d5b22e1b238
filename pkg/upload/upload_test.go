package upload

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func TestSave_DetectsTypeAndReleasesOnce(t *testing.T) {
	s, err := NewSpool(t.TempDir(), 0)
	require.NoError(t, err)

	f, err := s.Save(bytes.NewReader(pngHeader), "cat.png")
	require.NoError(t, err)
	require.Equal(t, "image/png", f.MIMEType)
	require.Equal(t, int64(len(pngHeader)), f.Size)
	require.Equal(t, ".png", filepath.Ext(f.Path))

	b, err := f.Bytes()
	require.NoError(t, err)
	require.Equal(t, pngHeader, b)

	require.False(t, f.Released())
	require.NoError(t, f.Release())
	require.NoError(t, f.Release())
	require.True(t, f.Released())
	_, err = os.Stat(f.Path)
	require.True(t, os.IsNotExist(err))
}

func TestSave_TextDropsCharset(t *testing.T) {
	s, err := NewSpool(t.TempDir(), 0)
	require.NoError(t, err)
	f, err := s.Save(strings.NewReader("plain words\n"), "notes.txt")
	require.NoError(t, err)
	defer func() { _ = f.Release() }()
	require.Equal(t, "text/plain", f.MIMEType)
}

func TestSave_TooLargeLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSpool(dir, 4)
	require.NoError(t, err)

	_, err = s.Save(strings.NewReader("0123456789"), "big.bin")
	require.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRelease_NilAndMissingFile(t *testing.T) {
	var f *File
	require.NoError(t, f.Release())
	require.True(t, f.Released())

	gone := &File{Path: filepath.Join(t.TempDir(), "missing")}
	require.NoError(t, gone.Release())
}

func TestNewSpool_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	s, err := NewSpool(dir, 0)
	require.NoError(t, err)
	require.Equal(t, dir, s.Dir())
	st, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, st.IsDir())
}
