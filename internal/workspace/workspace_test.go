package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/groblegark/oddjobs/internal/runbook"
	"github.com/groblegark/oddjobs/internal/statestore"
	"github.com/groblegark/oddjobs/internal/wal"
)

func TestPrepareFolderCreatesDirectory(t *testing.T) {
	mgr, err := New(filepath.Join(t.TempDir(), "workspaces"), "")
	require.NoError(t, err)

	dir, err := mgr.Prepare(context.Background(), "job-1", runbook.WorkspaceFolder, "")
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestPrepareNoneReturnsEmptyPath(t *testing.T) {
	mgr, err := New(filepath.Join(t.TempDir(), "workspaces"), "")
	require.NoError(t, err)

	dir, err := mgr.Prepare(context.Background(), "job-1", runbook.WorkspaceNone, "")
	require.NoError(t, err)
	require.Empty(t, dir)
}

func TestFinalizeRemovesFolder(t *testing.T) {
	mgr, err := New(filepath.Join(t.TempDir(), "workspaces"), "")
	require.NoError(t, err)

	dir, err := mgr.Prepare(context.Background(), "job-1", runbook.WorkspaceFolder, "")
	require.NoError(t, err)
	require.NoError(t, mgr.Finalize(context.Background(), "job-1", runbook.WorkspaceFolder))
	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}

func TestSweepRemovesOrphanDirectories(t *testing.T) {
	root := filepath.Join(t.TempDir(), "workspaces")
	mgr, err := New(root, "")
	require.NoError(t, err)

	_, err = mgr.Prepare(context.Background(), "orphan-job", runbook.WorkspaceFolder, "")
	require.NoError(t, err)
	_, err = mgr.Prepare(context.Background(), "live-job", runbook.WorkspaceFolder, "")
	require.NoError(t, err)

	w, err := wal.Open(wal.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer w.Close()
	store := statestore.New()
	rec, err := w.Append(wal.JobCreated, map[string]any{"id": "live-job", "job_name": "x"})
	require.NoError(t, err)
	require.NoError(t, store.Apply(rec))

	require.NoError(t, mgr.Sweep(store))

	_, err = os.Stat(filepath.Join(root, "orphan-job"))
	require.True(t, os.IsNotExist(err), "orphan directory must be swept")
	_, err = os.Stat(filepath.Join(root, "live-job"))
	require.NoError(t, err, "live job's directory must survive sweep")
}

func TestEncryptDecryptSettingsRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	enc, err := NewSettingsEncryptor(key)
	require.NoError(t, err)

	root := t.TempDir()
	body := []byte(`{"token":"secret-value"}`)
	require.NoError(t, enc.WriteSettings(root, "agent-1", body))

	raw, err := os.ReadFile(filepath.Join(root, "agents", "agent-1", "settings.json"))
	require.NoError(t, err)
	require.NotContains(t, string(raw), "secret-value", "on-disk file must not contain plaintext")

	got, err := enc.ReadSettings(root, "agent-1")
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestDecryptFailsWithWrongKey(t *testing.T) {
	key1, err := GenerateKey()
	require.NoError(t, err)
	enc1, err := NewSettingsEncryptor(key1)
	require.NoError(t, err)

	ciphertext, err := enc1.Encrypt([]byte("payload"))
	require.NoError(t, err)

	key2, err := GenerateKey()
	require.NoError(t, err)
	enc2, err := NewSettingsEncryptor(key2)
	require.NoError(t, err)

	_, err = enc2.Decrypt(ciphertext)
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}
