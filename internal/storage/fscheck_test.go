package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckLocalFilesystem(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "relaygate.db")

	tests := []struct {
		name    string
		detect  func(string) (string, error)
		wantErr bool
	}{
		{name: "local disk", detect: func(string) (string, error) { return "0xef53", nil }},
		{name: "nfs mount", detect: func(string) (string, error) { return "NFS", nil }, wantErr: true},
		{name: "smb2 mount", detect: func(string) (string, error) { return "smb2", nil }, wantErr: true},
		{name: "detection failure is tolerated", detect: func(string) (string, error) { return "", errors.New("boom") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkLocalFilesystem(path, tt.detect)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNearestExistingPath(t *testing.T) {
	dir := t.TempDir()
	got, err := nearestExistingPath(filepath.Join(dir, "a", "b", "c.db"))
	assert.NoError(t, err)
	assert.Equal(t, dir, got)
}
