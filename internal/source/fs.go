package source

import (
	"context"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"quire/internal/errors"
	"quire/internal/tree"
	"quire/shared/utils"
)

const defaultStatCacheSize = 4096

// fileState lets unchanged files skip rehashing.
type fileState struct {
	Hash    string
	Size    int64
	ModTime time.Time
}

// FS exposes a directory as a source. Tree paths are slash separated and
// relative to the directory root. Dot-files and ignored directories are not
// part of the tree.
type FS struct {
	fs     billy.Filesystem
	dir    string
	logger *zap.Logger
	ignore map[string]bool

	stats *lru.Cache[string, fileState]

	mu     sync.Mutex
	paths  map[string]string // hash -> a path holding it, from the last scan
	staged map[string][]byte // blobs added but not yet written
}

type FSOption func(*FS)

func WithLogger(l *zap.Logger) FSOption {
	return func(f *FS) { f.logger = l }
}

// WithIgnore excludes directories with any of the given names.
func WithIgnore(names ...string) FSOption {
	return func(f *FS) {
		for _, n := range names {
			f.ignore[n] = true
		}
	}
}

// WithOSDir records the OS directory behind fs so Watch can use fsnotify.
func WithOSDir(dir string) FSOption {
	return func(f *FS) { f.dir = dir }
}

func NewFS(bfs billy.Filesystem, opts ...FSOption) *FS {
	stats, _ := lru.New[string, fileState](defaultStatCacheSize)
	f := &FS{
		fs:     bfs,
		logger: zap.NewNop(),
		ignore: map[string]bool{"node_modules": true},
		stats:  stats,
		paths:  make(map[string]string),
		staged: make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewFSDir opens an OS directory.
func NewFSDir(dir string, opts ...FSOption) (*FS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Internal("resolve directory", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Internal("create directory", err)
	}
	return NewFS(osfs.New(abs), append([]FSOption{WithOSDir(abs)}, opts...)...), nil
}

func (f *FS) skip(name string) bool {
	return strings.HasPrefix(name, ".") || f.ignore[name]
}

func (f *FS) GetTree(ctx context.Context) (*tree.Tree, error) {
	files := make(map[string]string)
	paths := make(map[string]string)
	if err := f.walk(ctx, "", files, paths); err != nil {
		return nil, err
	}
	t, err := tree.FromMap(files)
	if err != nil {
		return nil, errors.ValidationError("directory holds an unrepresentable path", err.Error())
	}

	f.mu.Lock()
	f.paths = paths
	f.mu.Unlock()
	return t, nil
}

// GetTreeIfDifferent still scans the directory; it only saves the caller
// from handling an unchanged tree.
func (f *FS) GetTreeIfDifferent(ctx context.Context, knownSHA string) (*tree.Tree, error) {
	t, err := f.GetTree(ctx)
	if err != nil {
		return nil, err
	}
	if knownSHA != "" && t.SHA() == knownSHA {
		return nil, nil
	}
	return t, nil
}

func (f *FS) walk(ctx context.Context, dir string, files, paths map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	infos, err := f.fs.ReadDir(dir)
	if err != nil {
		if dir == "" && os.IsNotExist(err) {
			return nil
		}
		return errors.Internal(fmt.Sprintf("read directory %q", dir), err)
	}
	for _, info := range infos {
		name := info.Name()
		if f.skip(name) {
			continue
		}
		rel := path.Join(dir, name)
		switch {
		case info.IsDir():
			if err := f.walk(ctx, rel, files, paths); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			hash, err := f.hashFile(rel, info)
			if err != nil {
				return err
			}
			files[rel] = hash
			paths[hash] = rel
		}
	}
	return nil
}

func (f *FS) hashFile(rel string, info fs.FileInfo) (string, error) {
	if st, ok := f.stats.Get(rel); ok && st.Size == info.Size() && st.ModTime.Equal(info.ModTime()) {
		return st.Hash, nil
	}
	data, err := util.ReadFile(f.fs, rel)
	if err != nil {
		return "", errors.Internal(fmt.Sprintf("read %s", rel), err)
	}
	hash := utils.HashContent(data)
	f.stats.Add(rel, fileState{Hash: hash, Size: info.Size(), ModTime: info.ModTime()})
	return hash, nil
}

func (f *FS) readBlob(hash string) ([]byte, bool, error) {
	f.mu.Lock()
	if data, ok := f.staged[hash]; ok {
		f.mu.Unlock()
		return data, true, nil
	}
	rel, ok := f.paths[hash]
	f.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	data, err := util.ReadFile(f.fs, rel)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Internal(fmt.Sprintf("read %s", rel), err)
	}
	// The file changed since the last scan.
	if utils.HashContent(data) != hash {
		return nil, false, nil
	}
	return data, true, nil
}

func (f *FS) GetBlobs(ctx context.Context, hashes []string) iter.Seq2[Blob, error] {
	return func(yield func(Blob, error) bool) {
		for i, h := range hashes {
			data, ok, err := f.readBlob(h)
			if err == nil && !ok && i == 0 {
				// Hashes may come from a tree read before the last scan.
				if _, err = f.GetTree(ctx); err == nil {
					data, ok, err = f.readBlob(h)
				}
			}
			if err != nil {
				yield(Blob{Hash: h}, err)
				return
			}
			if !ok {
				yield(Blob{Hash: h}, blobNotFound(h))
				return
			}
			if !yield(Blob{Hash: h, Data: data}, nil) {
				return
			}
		}
	}
}

// AddBlob stages data until an UpdateTree writes it to a path.
func (f *FS) AddBlob(_ context.Context, data []byte) (string, error) {
	hash := utils.HashContent(data)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.staged[hash]; !ok {
		f.staged[hash] = append([]byte{}, data...)
	}
	return hash, nil
}

func (f *FS) HasBlob(_ context.Context, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.staged[hash]; ok {
		return true, nil
	}
	_, ok := f.paths[hash]
	return ok, nil
}

// UpdateTree rewrites the directory so that scanning it yields t. Files
// absent from t are removed; changed files are rewritten from staged blobs
// or from other files holding the same content.
func (f *FS) UpdateTree(ctx context.Context, t *tree.Tree) error {
	current, err := f.GetTree(ctx)
	if err != nil {
		return err
	}
	changes := current.Diff(t)
	if changes.Empty() {
		return nil
	}

	// Gather content before touching the directory so a missing blob leaves
	// it unchanged.
	contents := make(map[string][]byte)
	for _, c := range changes {
		if c.Op == tree.OpDelete {
			continue
		}
		if _, ok := contents[c.Hash]; ok {
			continue
		}
		data, ok, err := f.readBlob(c.Hash)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Integrity(fmt.Sprintf("tree references missing blob %s", c.Hash), nil)
		}
		contents[c.Hash] = data
	}

	for _, c := range changes {
		switch c.Op {
		case tree.OpDelete:
			if err := f.fs.Remove(c.Path); err != nil && !os.IsNotExist(err) {
				return errors.Internal(fmt.Sprintf("remove %s", c.Path), err)
			}
			f.stats.Remove(c.Path)
		default:
			if dir := path.Dir(c.Path); dir != "." {
				if err := f.fs.MkdirAll(dir, 0o755); err != nil {
					return errors.Internal(fmt.Sprintf("create %s", dir), err)
				}
			}
			if err := util.WriteFile(f.fs, c.Path, contents[c.Hash], 0o644); err != nil {
				return errors.Internal(fmt.Sprintf("write %s", c.Path), err)
			}
			f.stats.Remove(c.Path)
		}
	}
	f.logger.Debug("directory updated", zap.Int("changes", len(changes)), zap.String("sha", t.SHA()))

	f.mu.Lock()
	for h := range t.Hashes() {
		delete(f.staged, h)
	}
	f.mu.Unlock()
	_, err = f.GetTree(ctx)
	return err
}

// Watch reports filesystem changes. Only OS-backed directories can be
// watched; events are coalesced over a short window.
func (f *FS) Watch(ctx context.Context) (<-chan Event, error) {
	if f.dir == "" {
		return nil, errors.ValidationError("directory is not backed by the OS", nil)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Internal("create file watcher", err)
	}
	if err := f.addWatches(w, f.dir); err != nil {
		w.Close()
		return nil, err
	}

	out := make(chan Event, 1)
	go f.watchLoop(ctx, w, out)
	return out, nil
}

func (f *FS) addWatches(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && f.skip(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.Add(p); err != nil {
			return errors.Internal("add directory to watcher", err)
		}
		return nil
	})
}

const watchDebounce = 100 * time.Millisecond

func (f *FS) watchLoop(ctx context.Context, w *fsnotify.Watcher, out chan<- Event) {
	defer close(out)
	defer w.Close()

	var (
		pending []string
		timer   *time.Timer
		fire    <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			rel, err := filepath.Rel(f.dir, ev.Name)
			if err != nil {
				continue
			}
			rel = filepath.ToSlash(rel)
			if f.ignored(rel) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := f.addWatches(w, ev.Name); err != nil {
						f.logger.Warn("watching new directory", zap.String("path", rel), zap.Error(err))
					}
				}
			}
			f.stats.Remove(rel)
			pending = append(pending, rel)
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				fire = timer.C
			}
		case <-fire:
			timer, fire = nil, nil
			select {
			case out <- Event{Paths: pending}:
				pending = nil
			case <-ctx.Done():
				return
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			f.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func (f *FS) ignored(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if f.skip(part) {
			return true
		}
	}
	return false
}
