package mlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	lg, err := NewLogger(&LogConfig{Level: "debug"})
	require.NoError(t, err)
	require.True(t, lg.Core().Enabled(-1))

	f := filepath.Join(t.TempDir(), "log.txt")
	lg, err = NewLogger(&LogConfig{Level: "WARN", File: f, Production: true})
	require.NoError(t, err)
	require.False(t, lg.Core().Enabled(0))
	lg.Warn("hello")
	require.NoError(t, lg.Sync())

	_, err = NewLogger(&LogConfig{Level: "loud"})
	require.Error(t, err)
}

func TestSetLogger(t *testing.T) {
	old := L()
	defer SetLogger(old)

	lg, err := NewLogger(&LogConfig{})
	require.NoError(t, err)
	SetLogger(lg)
	require.Same(t, lg, L())
}
