package lockfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "agent.lock")
	first, err := Acquire(path)
	require.NoError(t, err)

	_, err = Acquire(path)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Release())
	second, err := Acquire(path)
	require.NoError(t, err)
	assert.NoError(t, second.Release())
}

func TestAcquireRecordsPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.lock")
	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))
	assert.Equal(t, path, l.Path())
}

func TestReleaseTwice(t *testing.T) {
	l, err := Acquire(filepath.Join(t.TempDir(), "agent.lock"))
	require.NoError(t, err)
	require.NoError(t, l.Release())
	assert.NoError(t, l.Release())
}
