//go:build unix

package extension

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestHubDiscoverSkipsHiddenEntriesAndFiles(t *testing.T) {
	root := t.TempDir()
	scriptExtension(t, root, "alpha", idleScript)
	scriptExtension(t, root, ".hidden", idleScript)
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("docs"), 0o600))

	elsewhere := t.TempDir()
	linked := scriptExtension(t, elsewhere, "beta", idleScript)
	require.NoError(t, os.Symlink(linked, filepath.Join(root, "beta")))

	hub := NewHub(HubOptions{Sandbox: testOptions(slog.Default(), nil, nil)})
	added, err := hub.Discover(root)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	candidates := hub.Candidates()
	require.Len(t, candidates, 2)
	assert.Equal(t, "1", candidates[0].ID())
	assert.Equal(t, "2", candidates[1].ID())
	assert.Equal(t, 0, hub.Len(), "discovery alone registers nothing")
}

func TestHubDiscoverMissingDirectory(t *testing.T) {
	hub := NewHub(HubOptions{})

	added, err := hub.Discover(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Empty(t, hub.Candidates())
}

func TestHubStartAllIsolatesFailures(t *testing.T) {
	root := t.TempDir()
	scriptExtension(t, root, "a-good", idleScript)
	writeExtension(t, root, "b-broken", `{"name": "broken", "version": "1", "main": "../a-good/main.sh"}`, nil)
	writeExtension(t, root, "c-nomanifest", "", map[string]string{"main.sh": idleScript})
	scriptExtension(t, root, "d-good", idleScript)

	hub := NewHub(HubOptions{Sandbox: testOptions(slog.Default(), nil, nil), StartConcurrency: 2})
	t.Cleanup(func() { _ = hub.UnloadAll() })

	_, err := hub.Discover(root)
	require.NoError(t, err)

	err = hub.StartAll(context.Background())
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)

	running := hub.List()
	require.Len(t, running, 2)
	assert.Equal(t, "a-good", running[0].Name())
	assert.Equal(t, "d-good", running[1].Name())
	for _, s := range running {
		assert.Equal(t, StateRunning, s.State())
	}

	// Already-started and failed sandboxes are left alone.
	err = hub.StartAll(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 2, hub.Len())
}

func TestHubUnloadAllClosesEverything(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"one", "two", "three"} {
		scriptExtension(t, root, name, idleScript)
	}

	hub := NewHub(HubOptions{Sandbox: testOptions(slog.Default(), nil, nil)})
	_, err := hub.Discover(root)
	require.NoError(t, err)
	require.NoError(t, hub.StartAll(context.Background()))
	require.Equal(t, 3, hub.Len())

	require.NoError(t, hub.UnloadAll())
	assert.Equal(t, 0, hub.Len())
	for _, s := range hub.Candidates() {
		assert.Equal(t, StateClosed, s.State())
		select {
		case <-s.Done():
		case <-time.After(time.Second):
			t.Fatalf("sandbox %s still running", s.ID())
		}
	}

	require.NoError(t, hub.UnloadAll(), "unloading twice is a no-op")
}

func TestHubsAreIndependent(t *testing.T) {
	first := NewHub(HubOptions{})
	second := NewHub(HubOptions{})

	assert.Equal(t, "1", first.Add(t.TempDir()).ID())
	assert.Equal(t, "2", first.Add(t.TempDir()).ID())
	assert.Equal(t, "1", second.Add(t.TempDir()).ID())
}
