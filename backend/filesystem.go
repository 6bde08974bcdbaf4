package backend

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	offlinecache "github.com/wolfeidau/offline-cache"
)

// recordMagic prefixes every file written by the filesystem backend.
var recordMagic = []byte("OCR1")

type recordHeader struct {
	Key string `json:"key"`
}

// Filesystem implements Backend using the local filesystem.
// Each namespace is a directory named by the hex encoding of its name; each
// key is a file named by the BLAKE3 hash of the key, holding a framed record
// that carries the original key. Writes are atomic using a temp file and
// rename pattern.
type Filesystem struct {
	root string
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

func (fs *Filesystem) Put(ctx context.Context, ns, key string, value []byte) error {
	return fs.PutBatch(ctx, ns, []Entry{{Key: key, Value: value}})
}

// PutBatch writes every entry to a temp file before renaming any of them
// into place, so a failed write leaves the namespace untouched.
func (fs *Filesystem) PutBatch(ctx context.Context, ns string, entries []Entry) error {
	dir := fs.nsDir(ns)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	type staged struct{ tmp, dst string }
	pending := make([]staged, 0, len(entries))
	success := false
	defer func() {
		if !success {
			for _, s := range pending {
				_ = os.Remove(s.tmp)
			}
		}
	}()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		tmp, err := fs.writeTemp(dir, e)
		if err != nil {
			return err
		}
		pending = append(pending, staged{tmp: tmp, dst: fs.keyPath(ns, e.Key)})
	}

	for i, s := range pending {
		if err := os.Rename(s.tmp, s.dst); err != nil {
			// Already renamed files stay; remove the rest.
			pending = pending[i:]
			return fmt.Errorf("renaming temp file: %w", err)
		}
	}

	success = true
	return nil
}

func (fs *Filesystem) writeTemp(dir string, e Entry) (string, error) {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := WriteFramed(tmp, recordMagic, recordHeader{Key: e.Key}, e.Value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("writing %s: %w", e.Key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	return tmpPath, nil
}

func (fs *Filesystem) Get(ctx context.Context, ns, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fs.keyPath(ns, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading file: %w", err)
	}
	var hdr recordHeader
	body, err := DecodeFramed(data, recordMagic, &hdr)
	if err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	if hdr.Key != key {
		return nil, fmt.Errorf("record key mismatch: want %q, got %q", key, hdr.Key)
	}
	return body, nil
}

func (fs *Filesystem) Delete(ctx context.Context, ns, key string) error {
	err := os.Remove(fs.keyPath(ns, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

func (fs *Filesystem) Keys(ctx context.Context, ns string) ([]string, error) {
	dir := fs.nsDir(ns)
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	keys := make([]string, 0, len(dirEntries))
	for _, d := range dirEntries {
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			continue
		}
		key, err := readRecordKey(filepath.Join(dir, d.Name()))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func readRecordKey(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	var hdr recordHeader
	if _, err := ReadFramedHeader(f, recordMagic, &hdr); err != nil {
		return "", fmt.Errorf("reading record %s: %w", filepath.Base(path), err)
	}
	return hdr.Key, nil
}

func (fs *Filesystem) Namespaces(ctx context.Context) ([]string, error) {
	dirEntries, err := os.ReadDir(fs.root)
	if err != nil {
		return nil, fmt.Errorf("reading root: %w", err)
	}
	var names []string
	for _, d := range dirEntries {
		if !d.IsDir() {
			continue
		}
		name, err := hex.DecodeString(d.Name())
		if err != nil {
			continue
		}
		names = append(names, string(name))
	}
	sort.Strings(names)
	return names, nil
}

func (fs *Filesystem) DropNamespace(ctx context.Context, ns string) error {
	if err := os.RemoveAll(fs.nsDir(ns)); err != nil {
		return fmt.Errorf("removing namespace %s: %w", ns, err)
	}
	return nil
}

func (fs *Filesystem) Close() error {
	return nil
}

func (fs *Filesystem) nsDir(ns string) string {
	return filepath.Join(fs.root, hex.EncodeToString([]byte(ns)))
}

func (fs *Filesystem) keyPath(ns, key string) string {
	return filepath.Join(fs.nsDir(ns), offlinecache.HashBytes([]byte(key)).String())
}

var _ Backend = (*Filesystem)(nil)
