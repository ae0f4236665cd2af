package quarantine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/filegate/internal/logging"
	"github.com/telhawk-systems/filegate/internal/models"
)

func setup(t *testing.T) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	m := NewManager(filepath.Join(root, ".quarantine"), logging.Discard())
	return m, root
}

func writeUpload(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestMove_RoundTrip(t *testing.T) {
	m, root := setup(t)
	src := writeUpload(t, root, "1700000000-abcd-invoice.pdf", "malware")

	dest, err := m.Move(context.Background(), Request{
		FilePath:     src,
		OriginalName: "invoice.pdf",
		Reason:       "virus detected: Eicar-Test-Signature",
		Metadata:     map[string]any{"sha256": "deadbeef", "engine": "clamd"},
	})
	require.NoError(t, err)

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err), "source must be gone")

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "malware", string(content))

	raw, err := os.ReadFile(dest + ".json")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "\n  \"originalName\"", "manifest is two-space indented")

	var manifest models.QuarantineManifest
	require.NoError(t, json.Unmarshal(raw, &manifest))
	assert.Equal(t, "invoice.pdf", manifest.OriginalName)
	assert.Equal(t, "virus detected: Eicar-Test-Signature", manifest.Reason)
	assert.Equal(t, "deadbeef", manifest.Metadata["sha256"])
	assert.Equal(t, "clamd", manifest.Metadata["engine"])
	assert.WithinDuration(t, time.Now(), manifest.MovedAt, time.Minute)
}

func TestMove_DirectoryPermissionsAndName(t *testing.T) {
	m, root := setup(t)
	m.now = func() time.Time { return time.UnixMilli(1700000000123) }
	src := writeUpload(t, root, "x", "data")

	dest, err := m.Move(context.Background(), Request{FilePath: src, OriginalName: "../../Report Final.PDF", Reason: "r"})
	require.NoError(t, err)

	info, err := os.Stat(m.Dir())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	name := filepath.Base(dest)
	assert.True(t, strings.HasPrefix(name, "1700000000123-Report Final-"), name)
	assert.True(t, strings.HasSuffix(name, ".pdf"), name)
	assert.Len(t, strings.TrimSuffix(strings.TrimPrefix(name, "1700000000123-Report Final-"), ".pdf"), 8)
}

func TestMove_UniqueNames(t *testing.T) {
	m, root := setup(t)
	m.now = func() time.Time { return time.UnixMilli(1) }

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		src := writeUpload(t, root, "f", "x")
		dest, err := m.Move(context.Background(), Request{FilePath: src, OriginalName: "same.txt", Reason: "r"})
		require.NoError(t, err)
		assert.False(t, seen[dest])
		seen[dest] = true
	}
}

func TestMove_MissingSource(t *testing.T) {
	m, root := setup(t)

	_, err := m.Move(context.Background(), Request{FilePath: filepath.Join(root, "nope"), OriginalName: "n", Reason: "r"})
	assert.Error(t, err)
}

func TestMove_CrossDeviceFallback(t *testing.T) {
	m, root := setup(t)
	calls := 0
	m.rename = func(oldpath, newpath string) error {
		calls++
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EXDEV}
	}
	src := writeUpload(t, root, "upload.bin", "cross-device")

	dest, err := m.Move(context.Background(), Request{FilePath: src, OriginalName: "upload.bin", Reason: "scan failed: timeout"})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "cross-device", string(content))

	_, err = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(err), "temporary copy must be renamed away")
}

func TestMove_ManifestFailureStillMoves(t *testing.T) {
	m, root := setup(t)
	src := writeUpload(t, root, "a.txt", "x")

	// Metadata that cannot be marshalled makes the manifest write fail.
	dest, err := m.Move(context.Background(), Request{
		FilePath:     src,
		OriginalName: "a.txt",
		Reason:       "r",
		Metadata:     map[string]any{"bad": make(chan int)},
	})
	require.NoError(t, err)

	_, err = os.Stat(dest)
	assert.NoError(t, err)
	_, err = os.Stat(dest + ".json")
	assert.True(t, os.IsNotExist(err))
}

func TestListAndLoad(t *testing.T) {
	m, root := setup(t)

	base := time.UnixMilli(1700000000000)
	var paths []string
	for i, name := range []string{"first.txt", "second.json", "third.png"} {
		at := base.Add(time.Duration(i) * time.Second)
		m.now = func() time.Time { return at }
		src := writeUpload(t, root, name, name)
		dest, err := m.Move(context.Background(), Request{FilePath: src, OriginalName: name, Reason: "reason " + name})
		require.NoError(t, err)
		paths = append(paths, dest)
	}

	records, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "third.png", records[0].Manifest.OriginalName)
	assert.Equal(t, "second.json", records[1].Manifest.OriginalName)
	assert.Equal(t, "first.txt", records[2].Manifest.OriginalName)
	assert.Equal(t, int64(len("first.txt")), records[2].Size)

	rec, err := m.Load(filepath.Base(paths[1]))
	require.NoError(t, err)
	assert.Equal(t, "reason second.json", rec.Manifest.Reason)

	rec, err = m.Load(paths[0] + ".json")
	require.NoError(t, err)
	assert.Equal(t, "first.txt", rec.Manifest.OriginalName)

	_, err = m.Load("../" + filepath.Base(root))
	assert.ErrorIs(t, err, ErrNotQuarantined)

	_, err = m.Load("missing.bin")
	assert.ErrorIs(t, err, ErrNotQuarantined)
}

func TestList_EmptyWhenDirectoryMissing(t *testing.T) {
	m, _ := setup(t)

	records, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}
