package backend

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
)

func newTestFS(t *testing.T) *BillyFS {
	t.Helper()
	return NewBillyFS(memfs.New())
}

func TestBillyFS_StatNotFound(t *testing.T) {
	b := newTestFS(t)
	if _, err := b.Stat(context.Background(), "/nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBillyFS_UploadStatDownload(t *testing.T) {
	b := newTestFS(t)
	ctx := context.Background()
	if err := b.MkdirAll(ctx, "/bkt/dir"); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	st, err := b.Upload(ctx, strings.NewReader("0123456789"), "/bkt/dir", "f.txt", nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if st.Size != 10 || st.Type != File || st.ContentID == "" {
		t.Fatalf("unexpected stats: %+v", st)
	}

	again, err := b.Stat(ctx, "/bkt/dir/f.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if again.ContentID != st.ContentID {
		t.Fatalf("content id changed: %q vs %q", again.ContentID, st.ContentID)
	}

	rc, err := b.DownloadRange(ctx, st, 2, 5)
	if err != nil {
		t.Fatalf("DownloadRange: %v", err)
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "2345" {
		t.Fatalf("expected 2345, got %q", got)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// idempotent close
	if err := rc.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestBillyFS_DownloadCancelled(t *testing.T) {
	b := newTestFS(t)
	ctx := context.Background()
	if err := b.MkdirAll(ctx, "/b"); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	st, err := b.Upload(ctx, strings.NewReader("data"), "/b", "x", nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	cctx, cancel := context.WithCancel(ctx)
	rc, err := b.DownloadRange(cctx, st, 0, 3)
	if err != nil {
		t.Fatalf("DownloadRange: %v", err)
	}
	defer rc.Close()
	cancel()
	if _, err := io.ReadAll(rc); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBillyFS_SoftDeleteHidesFromListing(t *testing.T) {
	b := newTestFS(t)
	ctx := context.Background()
	if err := b.MkdirAll(ctx, "/bkt"); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if _, err := b.Upload(ctx, strings.NewReader("x"), "/bkt", "a", nil); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := b.Unlink(ctx, "/bkt/a", false); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := b.Stat(ctx, "/bkt/a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after soft delete, got %v", err)
	}
	names, err := b.ReadDir(ctx, "/")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, n := range names {
		if n == ".trash" {
			t.Fatalf("trash area leaked into listing: %v", names)
		}
	}
}

func TestBillyFS_UnlinkMissing(t *testing.T) {
	b := newTestFS(t)
	if err := b.Unlink(context.Background(), "/gone", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBillyFS_CopyFile(t *testing.T) {
	b := newTestFS(t)
	ctx := context.Background()
	if err := b.MkdirAll(ctx, "/src"); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := b.MkdirAll(ctx, "/dst"); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	orig, err := b.Upload(ctx, strings.NewReader("payload"), "/src", "f", nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := b.Copy(ctx, "/src/f", "/dst/f"); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	cp, err := b.Stat(ctx, "/dst/f")
	if err != nil {
		t.Fatalf("Stat copy: %v", err)
	}
	if cp.Size != orig.Size {
		t.Fatalf("size mismatch: %d vs %d", cp.Size, orig.Size)
	}
	if cp.ContentID != orig.ContentID {
		t.Fatalf("content id should match for identical content")
	}
}

func TestBillyFS_ReadDirOnFile(t *testing.T) {
	b := newTestFS(t)
	ctx := context.Background()
	if err := b.MkdirAll(ctx, "/d"); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if _, err := b.Upload(ctx, strings.NewReader("x"), "/d", "f", nil); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if _, err := b.ReadDir(ctx, "/d/f"); !errors.Is(err, ErrNotDirectory) {
		t.Fatalf("expected ErrNotDirectory, got %v", err)
	}
}
