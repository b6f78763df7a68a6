package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// trashDir is where soft-deleted entries are parked. It is hidden from
// ReadDir so S3 listings never see it.
const trashDir = "/.trash"

// BillyFS implements Store on top of a billy.Filesystem. With osfs it serves
// a local directory tree; with memfs it backs unit tests.
type BillyFS struct {
	fs billy.Filesystem

	mu    sync.Mutex
	ids   map[string]contentID
	nowFn func() time.Time
}

type contentID struct {
	hash string
	size int64
	mod  time.Time
}

// NewBillyFS wraps fs as a Store.
func NewBillyFS(fs billy.Filesystem) *BillyFS {
	return &BillyFS{fs: fs, ids: make(map[string]contentID), nowFn: time.Now}
}

func (b *BillyFS) Stat(ctx context.Context, p string) (ObjectStats, error) {
	if err := ctx.Err(); err != nil {
		return ObjectStats{}, err
	}
	fi, err := b.fs.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ObjectStats{}, ErrNotFound
		}
		return ObjectStats{}, fmt.Errorf("stat %q: %w", p, err)
	}
	return b.statsFor(p, fi)
}

func (b *BillyFS) ReadDir(ctx context.Context, p string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fi, err := b.fs.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat %q: %w", p, err)
	}
	if !fi.IsDir() {
		return nil, ErrNotDirectory
	}
	entries, err := b.fs.ReadDir(p)
	if err != nil {
		return nil, fmt.Errorf("readdir %q: %w", p, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if p == "/" && "/"+e.Name() == trashDir {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (b *BillyFS) MkdirAll(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.fs.MkdirAll(p, 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", p, err)
	}
	return nil
}

func (b *BillyFS) Unlink(ctx context.Context, p string, permanent bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.fs.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("stat %q: %w", p, err)
	}
	defer b.forget(p)
	if permanent {
		if err := util.RemoveAll(b.fs, p); err != nil {
			return fmt.Errorf("remove %q: %w", p, err)
		}
		return nil
	}
	if err := b.fs.MkdirAll(trashDir, 0o755); err != nil {
		return fmt.Errorf("mkdir trash: %w", err)
	}
	dst := path.Join(trashDir, strconv.FormatInt(b.nowFn().UnixNano(), 10)+"-"+path.Base(p))
	if err := b.fs.Rename(p, dst); err != nil {
		return fmt.Errorf("trash %q: %w", p, err)
	}
	return nil
}

func (b *BillyFS) Copy(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fi, err := b.fs.Stat(from)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("stat %q: %w", from, err)
	}
	if fi.IsDir() {
		return b.copyDir(ctx, from, to)
	}
	return b.copyFile(from, to)
}

func (b *BillyFS) copyDir(ctx context.Context, from, to string) error {
	if err := b.fs.MkdirAll(to, 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", to, err)
	}
	entries, err := b.fs.ReadDir(from)
	if err != nil {
		return fmt.Errorf("readdir %q: %w", from, err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := path.Join(from, e.Name())
		dst := path.Join(to, e.Name())
		if e.IsDir() {
			if err := b.copyDir(ctx, src, dst); err != nil {
				return err
			}
			continue
		}
		if err := b.copyFile(src, dst); err != nil {
			return err
		}
	}
	return nil
}

func (b *BillyFS) copyFile(from, to string) error {
	src, err := b.fs.Open(from)
	if err != nil {
		return fmt.Errorf("open %q: %w", from, err)
	}
	defer src.Close()
	dst, err := b.fs.Create(to)
	if err != nil {
		return fmt.Errorf("create %q: %w", to, err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, h), src)
	cerr := dst.Close()
	if err != nil {
		return fmt.Errorf("copy %q -> %q: %w", from, to, err)
	}
	if cerr != nil {
		return fmt.Errorf("close %q: %w", to, cerr)
	}
	b.remember(to, hex.EncodeToString(h.Sum(nil)), n)
	return nil
}

func (b *BillyFS) Upload(ctx context.Context, r io.Reader, parent, name string, ts *Timestamps) (ObjectStats, error) {
	if err := ctx.Err(); err != nil {
		return ObjectStats{}, err
	}
	fi, err := b.fs.Stat(parent)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ObjectStats{}, ErrNotFound
		}
		return ObjectStats{}, fmt.Errorf("stat %q: %w", parent, err)
	}
	if !fi.IsDir() {
		return ObjectStats{}, ErrNotDirectory
	}
	p := path.Join(parent, name)
	f, err := b.fs.Create(p)
	if err != nil {
		return ObjectStats{}, fmt.Errorf("create %q: %w", p, err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	cerr := f.Close()
	if err != nil {
		_ = b.fs.Remove(p)
		return ObjectStats{}, fmt.Errorf("upload %q: %w", p, err)
	}
	if cerr != nil {
		_ = b.fs.Remove(p)
		return ObjectStats{}, fmt.Errorf("close %q: %w", p, cerr)
	}
	if ts != nil && !ts.Modified.IsZero() {
		// Not every billy filesystem supports timestamps; best effort.
		if ch, ok := b.fs.(billy.Change); ok {
			_ = ch.Chtimes(p, ts.Modified, ts.Modified)
		}
	}
	b.remember(p, hex.EncodeToString(h.Sum(nil)), n)
	return b.Stat(ctx, p)
}

func (b *BillyFS) DownloadRange(ctx context.Context, st ObjectStats, start, end int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := b.fs.Open(st.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open %q: %w", st.Path, err)
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek %q: %w", st.Path, err)
	}
	return &rangeReader{ctx: ctx, f: f, remain: end - start + 1}, nil
}

// rangeReader serves a bounded slice of a file and stops early when the
// request context is cancelled. Close is idempotent.
type rangeReader struct {
	ctx    context.Context
	f      billy.File
	remain int64
	once   sync.Once
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if r.remain <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remain {
		p = p[:r.remain]
	}
	n, err := r.f.Read(p)
	r.remain -= int64(n)
	return n, err
}

func (r *rangeReader) Close() error {
	var err error
	r.once.Do(func() { err = r.f.Close() })
	return err
}

// statsFor builds ObjectStats, computing the content identifier on demand for
// files not uploaded through this process.
func (b *BillyFS) statsFor(p string, fi os.FileInfo) (ObjectStats, error) {
	st := ObjectStats{
		Path:     p,
		Name:     fi.Name(),
		Size:     fi.Size(),
		Created:  fi.ModTime().UTC(),
		Modified: fi.ModTime().UTC(),
	}
	if p == "/" {
		st.Name = "/"
	}
	if fi.IsDir() {
		st.Type = Directory
		sum := sha256.Sum256([]byte("dir:" + p))
		st.ContentID = hex.EncodeToString(sum[:])
		return st, nil
	}
	st.Type = File
	b.mu.Lock()
	id, ok := b.ids[p]
	b.mu.Unlock()
	if ok && id.size == fi.Size() && id.mod.Equal(fi.ModTime()) {
		st.ContentID = id.hash
		return st, nil
	}
	hash, err := b.hashFile(p)
	if err != nil {
		return ObjectStats{}, err
	}
	b.mu.Lock()
	b.ids[p] = contentID{hash: hash, size: fi.Size(), mod: fi.ModTime()}
	b.mu.Unlock()
	st.ContentID = hash
	return st, nil
}

func (b *BillyFS) hashFile(p string) (string, error) {
	f, err := b.fs.Open(p)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", p, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %q: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (b *BillyFS) remember(p, hash string, size int64) {
	mod := time.Time{}
	if fi, err := b.fs.Stat(p); err == nil {
		mod = fi.ModTime()
		size = fi.Size()
	}
	b.mu.Lock()
	b.ids[p] = contentID{hash: hash, size: size, mod: mod}
	b.mu.Unlock()
}

func (b *BillyFS) forget(p string) {
	b.mu.Lock()
	delete(b.ids, p)
	b.mu.Unlock()
}
