package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedFS(name string) fsDetector {
	return func(string) (string, error) { return name, nil }
}

func TestRequireLocal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		fs      string
		network bool
	}{
		{fs: "apfs"},
		{fs: "0xef53"},
		{fs: "0x6969"},
		{fs: "nfs", network: true},
		{fs: "NFS4", network: true},
		{fs: " smbfs ", network: true},
	}
	for _, tc := range cases {
		t.Run(tc.fs, func(t *testing.T) {
			t.Parallel()
			err := requireLocal(filepath.Join(t.TempDir(), "foreman.db"), "task database", "state.path", fixedFS(tc.fs))
			if tc.network {
				require.ErrorIs(t, err, ErrNetworkFilesystem)
				assert.Contains(t, err.Error(), "point state.path at local disk")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRequireLocal_InspectsNearestExistingParent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	err := requireLocal(filepath.Join(root, "data", "run", "foreman.lock"), "dispatcher lock", "service.lock_path",
		func(path string) (string, error) {
			inspected = path
			return "ext4", nil
		})
	require.NoError(t, err)
	assert.Equal(t, root, inspected)
}

func TestRequireLocal_DetectorError(t *testing.T) {
	t.Parallel()

	err := requireLocal(filepath.Join(t.TempDir(), "foreman.db"), "task database", "state.path",
		func(string) (string, error) { return "", errDetectUnsupported })
	assert.True(t, errors.Is(err, errDetectUnsupported))

	assert.EqualError(t, requireLocal("", "task database", "state.path", fixedFS("ext4")), "task database path is empty")
}

func TestRequireLocalFilesystem_TempDir(t *testing.T) {
	t.Parallel()
	assert.NoError(t, RequireLocalFilesystem(filepath.Join(t.TempDir(), "foreman.db"), "task database", "state.path"))
}
