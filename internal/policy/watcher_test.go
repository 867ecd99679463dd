package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const strictPolicy = `
version: v1
prohibited_keys: [password]
detectors:
  card_numbers: true
`

const relaxedPolicy = `
version: v2
prohibited_keys: []
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func waitForReload(t *testing.T, fw *FileWatcher) ReloadedEvent {
	t.Helper()
	select {
	case ev := <-fw.EventChan():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for policy reload")
		return ReloadedEvent{}
	}
}

func TestFileWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata-policy.yaml")
	writeFile(t, path, strictPolicy)

	logger := zap.NewNop()
	checker, err := LoadChecker(path, nil, logger)
	require.NoError(t, err)
	guard := NewGuard(checker)

	fw, err := NewFileWatcher(path, guard, nil, logger)
	require.NoError(t, err)
	fw.SetDebounceTimeout(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Watch(ctx))
	defer fw.Stop()
	assert.True(t, fw.IsWatching())

	md := map[string]interface{}{"password": "x"}
	require.Error(t, guard.Check(md))

	writeFile(t, path, relaxedPolicy)
	ev := waitForReload(t, fw)
	assert.Equal(t, path, ev.Path)

	// a reload may observe the truncated file first; the last write wins
	require.Eventually(t, func() bool {
		return guard.Current().Policy().Version == "v2"
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, guard.Check(md))
}

func TestFileWatcher_KeepsPolicyOnInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writeFile(t, path, strictPolicy)

	logger := zap.NewNop()
	checker, err := LoadChecker(path, nil, logger)
	require.NoError(t, err)
	guard := NewGuard(checker)

	fw, err := NewFileWatcher(path, guard, nil, logger)
	require.NoError(t, err)
	fw.SetDebounceTimeout(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Watch(ctx))
	defer fw.Stop()

	writeFile(t, path, "rules:\n  - name: broken\n    expression: 'key =='\n")
	ev := waitForReload(t, fw)
	require.Error(t, ev.Error)

	assert.Same(t, checker, guard.Current())
	assert.Error(t, guard.Check(map[string]interface{}{"password": "x"}))
}

func TestFileWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writeFile(t, path, strictPolicy)

	checker, err := LoadChecker(path, nil, nil)
	require.NoError(t, err)
	guard := NewGuard(checker)

	fw, err := NewFileWatcher(path, guard, nil, nil)
	require.NoError(t, err)
	fw.SetDebounceTimeout(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Watch(ctx))
	defer fw.Stop()

	writeFile(t, filepath.Join(dir, "other.yaml"), relaxedPolicy)

	select {
	case ev := <-fw.EventChan():
		t.Fatalf("unexpected reload: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Same(t, checker, guard.Current())
}

func TestFileWatcher_WatchTwice(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writeFile(t, path, strictPolicy)

	fw, err := NewFileWatcher(path, NewGuard(nil), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Watch(ctx))
	defer fw.Stop()

	assert.Error(t, fw.Watch(ctx))
}

func TestFileWatcher_RequiresGuard(t *testing.T) {
	_, err := NewFileWatcher("policy.yaml", nil, nil, nil)
	assert.Error(t, err)
}
