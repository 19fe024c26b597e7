package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// dropFile writes a spool drop the way producers are told to: temp file
// first, then an atomic rename to the final *.json name.
func dropFile(t *testing.T, dir, name, content string) {
	t.Helper()

	tmp := filepath.Join(dir, name+".tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, name)))
}

func TestSpoolSource_ConsumesExistingAndNewDrops(t *testing.T) {
	dir := t.TempDir()
	dropFile(t, dir, "pre.json", `{"signal_id":"sig-pre"}`)

	src, err := NewSpoolSource(SpoolConfig{Dir: dir}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "spool", src.Name())

	c := &collector{}
	stop := runSource(t, src, c.handler)

	// The pre-existing drop is caught up at start.
	assert.Eventually(t, func() bool {
		return len(c.messages()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	dropFile(t, dir, "new.json", `{"signal_id":"sig-new"}`)
	assert.Eventually(t, func() bool {
		return len(c.messages()) == 2
	}, 3*time.Second, 10*time.Millisecond)

	assert.ElementsMatch(t,
		[]string{`{"signal_id":"sig-pre"}`, `{"signal_id":"sig-new"}`},
		c.payloads())
	for _, m := range c.messages() {
		assert.Equal(t, "spool", m.Source)
	}

	stop()

	// Consumed drops moved out of the intake directory.
	for _, name := range []string{"pre.json", "new.json"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.True(t, os.IsNotExist(err), "%s should be moved", name)
		_, err = os.Stat(filepath.Join(dir, "processed", name))
		assert.NoError(t, err, "%s should land in processed/", name)
	}
}

func TestSpoolSource_RefusedDropStaysInPlace(t *testing.T) {
	dir := t.TempDir()
	dropFile(t, dir, "drop.json", `{"signal_id":"sig-1"}`)

	src, err := NewSpoolSource(SpoolConfig{Dir: dir}, zap.NewNop())
	require.NoError(t, err)

	var attempts atomic.Int64
	refuse := func(context.Context, Message) error {
		attempts.Add(1)
		return errors.New("intake full")
	}
	stop := runSource(t, src, refuse)

	assert.Eventually(t, func() bool {
		return attempts.Load() >= 1
	}, 3*time.Second, 10*time.Millisecond)
	stop()

	_, err = os.Stat(filepath.Join(dir, "drop.json"))
	assert.NoError(t, err, "refused drop stays for the next start")
	_, err = os.Stat(filepath.Join(dir, "processed", "drop.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestSpoolSource_IgnoresNonJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a drop"), 0o644))

	src, err := NewSpoolSource(SpoolConfig{Dir: dir}, zap.NewNop())
	require.NoError(t, err)

	c := &collector{}
	stop := runSource(t, src, c.handler)

	// Give the scan and watcher a moment; nothing should arrive.
	time.Sleep(200 * time.Millisecond)
	stop()

	assert.Empty(t, c.messages())
	_, err = os.Stat(filepath.Join(dir, "notes.txt"))
	assert.NoError(t, err)
}

func TestNewSpoolSource_Validation(t *testing.T) {
	_, err := NewSpoolSource(SpoolConfig{}, zap.NewNop())
	require.Error(t, err)

	dir := t.TempDir()
	src, err := NewSpoolSource(SpoolConfig{Dir: filepath.Join(dir, "intake")}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, src.Close())

	// Both directories are created on construction.
	info, err := os.Stat(filepath.Join(dir, "intake"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	info, err = os.Stat(filepath.Join(dir, "intake", "processed"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
