package logger

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriter(t *testing.T) {
	t.Run("creates the file and its directory", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "parley.log")

		rw, err := NewRotatingWriter(logFile, RotationPolicy{MaxBytes: 1 << 20})
		require.NoError(t, err)
		defer rw.Close()

		_, err = os.Stat(logFile)
		assert.NoError(t, err)
	})

	t.Run("zero size uses default", func(t *testing.T) {
		rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "parley.log"), RotationPolicy{})
		require.NoError(t, err)
		defer rw.Close()
		assert.Equal(t, int64(defaultMaxBytes), rw.policy.MaxBytes)
	})

	t.Run("appends to an existing file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "parley.log")
		require.NoError(t, os.WriteFile(logFile, []byte("before\n"), 0600))

		rw, err := NewRotatingWriter(logFile, RotationPolicy{MaxBytes: 1 << 20})
		require.NoError(t, err)
		assert.Equal(t, int64(7), rw.size)

		_, err = rw.Write([]byte("after\n"))
		require.NoError(t, err)
		require.NoError(t, rw.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Equal(t, "before\nafter\n", string(content))
	})
}

func TestRotatingWriterRotation(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "parley.log")

	rw, err := NewRotatingWriter(logFile, RotationPolicy{MaxBytes: 100})
	require.NoError(t, err)

	line := []byte(strings.Repeat("a", 60) + "\n")
	for i := 0; i < 3; i++ {
		_, err = rw.Write(line)
		require.NoError(t, err)
	}
	require.NoError(t, rw.Close())

	backups, err := filepath.Glob(filepath.Join(dir, "parley-*.log"))
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, line, content)
}

func TestRotatingWriterOversizedLine(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "parley.log")

	rw, err := NewRotatingWriter(logFile, RotationPolicy{MaxBytes: 10})
	require.NoError(t, err)
	defer rw.Close()

	_, err = rw.Write([]byte(strings.Repeat("b", 50)))
	require.NoError(t, err)

	// the first write into an empty file never rotates
	assert.Empty(t, rw.backups())
}

func TestRotatingWriterCompress(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "parley.log")

	rw, err := NewRotatingWriter(logFile, RotationPolicy{MaxBytes: 10, Compress: true})
	require.NoError(t, err)

	_, err = rw.Write([]byte("first line\n"))
	require.NoError(t, err)
	_, err = rw.Write([]byte("second line\n"))
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	compressed, err := filepath.Glob(filepath.Join(dir, "parley-*.log.gz"))
	require.NoError(t, err)
	require.Len(t, compressed, 1)

	f, err := os.Open(compressed[0])
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "first line\n", string(data))

	plain, err := filepath.Glob(filepath.Join(dir, "parley-*.log"))
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestRotatingWriterConcurrent(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "parley.log")

	rw, err := NewRotatingWriter(logFile, RotationPolicy{MaxBytes: 1 << 20})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = rw.Write([]byte("line\n"))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, rw.Close())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, 400, strings.Count(string(content), "line\n"))
}

func TestRotatingWriterClose(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "parley.log"), RotationPolicy{})
	require.NoError(t, err)

	assert.NoError(t, rw.Close())
	assert.NoError(t, rw.Close())

	_, err = rw.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestRotatingWriterPrune(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "parley.log")

	old := filepath.Join(dir, "parley-20200101T120000.000.log.gz")
	require.NoError(t, os.WriteFile(old, []byte("old"), 0600))
	oldTime := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old, oldTime, oldTime))

	recent := filepath.Join(dir, "parley-20990101T120000.000.log")
	require.NoError(t, os.WriteFile(recent, []byte("recent"), 0600))

	unrelated := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(unrelated, []byte("keep"), 0600))
	require.NoError(t, os.Chtimes(unrelated, oldTime, oldTime))

	rw, err := NewRotatingWriter(logFile, RotationPolicy{MaxAge: 7 * 24 * time.Hour})
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	assert.NoFileExists(t, old)
	assert.FileExists(t, recent)
	assert.FileExists(t, unrelated)
	assert.FileExists(t, logFile)
}
