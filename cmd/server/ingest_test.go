package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abroad-docs-go/internal/model"
	"abroad-docs-go/internal/service"
	"abroad-docs-go/pkg/apperr"
)

type fakeUploads struct {
	seen map[string]bool
	got  []service.UploadRequest
}

func (f *fakeUploads) SupportedTypes() []string { return []string{"txt"} }

func (f *fakeUploads) Upload(_ context.Context, req service.UploadRequest) (*service.UploadResult, error) {
	f.got = append(f.got, req)
	switch {
	case strings.HasSuffix(req.FileName, ".bin"):
		return nil, apperr.UnsupportedType("unknown")
	case strings.HasSuffix(req.FileName, ".bad"):
		return nil, errors.New("storage down")
	}
	key := string(req.Data)
	dup := f.seen[key]
	f.seen[key] = true
	return &service.UploadResult{Document: &model.Document{TrackingID: "t-" + req.FileName}, Duplicate: dup}, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestIngestDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "offer.txt"), "offer letter")
	writeFile(t, filepath.Join(dir, "nested", "visa.md"), "# visa")
	writeFile(t, filepath.Join(dir, "nested", "copy.txt"), "offer letter")
	writeFile(t, filepath.Join(dir, "blob.bin"), "\x00\x01")
	writeFile(t, filepath.Join(dir, "broken.bad"), "x")
	writeFile(t, filepath.Join(dir, ".DS_Store"), "junk")
	writeFile(t, filepath.Join(dir, ".git", "HEAD"), "ref")

	uploads := &fakeUploads{seen: map[string]bool{}}
	stats := ingestDir(context.Background(), uploads, dir, ingestOptions{owner: "alice", tags: []string{"seed"}})

	assert.Equal(t, ingestStats{imported: 2, duplicates: 1, skipped: 1, failed: 1}, stats)

	var names []string
	for _, req := range uploads.got {
		assert.Equal(t, "alice", req.OwnerID)
		assert.Equal(t, []string{"seed"}, req.Tags)
		names = append(names, req.FileName)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"blob.bin", "broken.bad", "copy.txt", "offer.txt", "visa.md"}, names)
}

func TestIngestDirStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	uploads := &fakeUploads{seen: map[string]bool{}}
	stats := ingestDir(ctx, uploads, dir, ingestOptions{owner: "alice"})
	assert.Empty(t, uploads.got)
	assert.Equal(t, ingestStats{}, stats)
}
