package remote

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKeys(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("key"), 0600))
	}
	return dir
}

func TestFindKey(t *testing.T) {
	tests := []struct {
		name    string
		files   []string
		keyName string
		want    string
		wantErr bool
	}{
		{
			name:    "exact match",
			files:   []string{"ops.pem", "other.pem"},
			keyName: "ops",
			want:    "ops.pem",
		},
		{
			name:    "exact match beats earlier prefix match",
			files:   []string{"ops-2019.pem", "ops.pem"},
			keyName: "ops",
			want:    "ops.pem",
		},
		{
			name:    "first prefix match",
			files:   []string{"ops-b.pem", "ops-a.pem"},
			keyName: "ops",
			want:    "ops-a.pem",
		},
		{
			name:    "extension must match",
			files:   []string{"ops.pub", "ops"},
			keyName: "ops",
			wantErr: true,
		},
		{
			name:    "no match",
			files:   []string{"dev.pem"},
			keyName: "ops",
			wantErr: true,
		},
		{
			name:    "empty key name",
			files:   []string{"ops.pem"},
			keyName: "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeKeys(t, tt.files...)

			got, err := FindKey(dir, tt.keyName, ".pem")
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrKeyNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, tt.want), got)
		})
	}
}

func TestFindKey_SkipsDirectories(t *testing.T) {
	dir := writeKeys(t, "ops-z.pem")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "ops-a.pem"), 0700))

	got, err := FindKey(dir, "ops", ".pem")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ops-z.pem"), got)
}

func TestFindKey_MissingDirectory(t *testing.T) {
	_, err := FindKey(filepath.Join(t.TempDir(), "nope"), "ops", ".pem")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
