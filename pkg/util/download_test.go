package util

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadFile(t *testing.T) {
	payload := []byte("archive bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "nested", "tests.tar.gz")
	require.NoError(t, DownloadFile(context.Background(), srv.URL, dest, true))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownloadFileBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "missing.tar.gz")
	err := DownloadFile(context.Background(), srv.URL, dest, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status code 404")
}

func TestVerifySHA256(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	sum := fmt.Sprintf("%x", sha256.Sum256([]byte("content")))
	assert.NoError(t, VerifySHA256(path, sum))
	assert.NoError(t, VerifySHA256(path, ""))

	err := VerifySHA256(path, "deadbeef")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}
