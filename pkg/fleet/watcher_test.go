package fleet

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reloads struct {
	mutex  sync.Mutex
	counts []int
}

func (r *reloads) apply(groups []*domain.GroupConfig) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.counts = append(r.counts, len(groups))
	return nil
}

func (r *reloads) list() []int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]int(nil), r.counts...)
}

func TestGroupWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	seen := &reloads{}
	watcher := NewGroupWatcher(dir, 20*time.Millisecond, seen.apply, quietLogger())
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	writeFile(t, filepath.Join(dir, "lobby.yml"), lobbyGroup)

	require.Eventually(t, func() bool {
		counts := seen.list()
		return len(counts) > 0 && counts[len(counts)-1] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGroupWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	seen := &reloads{}
	watcher := NewGroupWatcher(dir, 20*time.Millisecond, seen.apply, quietLogger())
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	writeFile(t, filepath.Join(dir, "notes.txt"), "hello")
	writeFile(t, filepath.Join(dir, "_example.yml"), lobbyGroup)

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, seen.list())
}

func TestGroupWatcher_SkipsReloadWhileBroken(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "lobby.yml"), lobbyGroup)

	seen := &reloads{}
	watcher := NewGroupWatcher(dir, 20*time.Millisecond, seen.apply, quietLogger())
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	writeFile(t, filepath.Join(dir, "arcade.yml"), "group: [")
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, seen.list())

	writeFile(t, filepath.Join(dir, "arcade.yml"), "group:\n  name: Arcade\n  scaling:\n    type: proxy\n")
	require.Eventually(t, func() bool {
		counts := seen.list()
		return len(counts) > 0 && counts[len(counts)-1] == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGroupWatcher_StartStop(t *testing.T) {
	dir := t.TempDir()
	watcher := NewGroupWatcher(dir, 0, (&reloads{}).apply, quietLogger())

	require.NoError(t, watcher.Start())
	assert.True(t, errors.IsConflictError(watcher.Start()))
	require.NoError(t, watcher.Stop())
	require.NoError(t, watcher.Stop())

	missing := NewGroupWatcher(filepath.Join(dir, "missing"), 0, (&reloads{}).apply, quietLogger())
	assert.True(t, errors.IsIOError(missing.Start()))
}
