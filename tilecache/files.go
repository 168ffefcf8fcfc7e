package tilecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pdok/tegel/tiling"
)

const tileExt = ".mvt"

// Files stores every tile in its own file.
// Structure: {dir}/{collection}/{scheme}/{level}/{row}/{col}.mvt, collection "_" for multi-layer tiles.
type Files struct {
	dir string
}

func NewFiles(dir string) (*Files, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Files{dir: dir}, nil
}

func (f *Files) path(addr tiling.Address) (string, error) {
	collection, err := storageKey(addr.Collection)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.dir, collection, addr.Scheme,
		strconv.Itoa(addr.Level), strconv.Itoa(addr.Row), strconv.Itoa(addr.Col)+tileExt), nil
}

func (f *Files) Stat(_ context.Context, addr tiling.Address) (bool, bool, error) {
	path, err := f.path(addr)
	if err != nil {
		return false, false, err
	}
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, false, nil
	} else if err != nil {
		return false, false, err
	}
	defer file.Close()
	header := make([]byte, 1)
	if _, err := io.ReadFull(file, header); err != nil {
		return false, false, err
	}
	return header[0] == headerEmpty, true, nil
}

func (f *Files) Get(_ context.Context, addr tiling.Address) (Entry, bool, error) {
	path, err := f.path(addr)
	if err != nil {
		return Entry{}, false, err
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, false, nil
	} else if err != nil {
		return Entry{}, false, err
	}
	e, err := decodeEntry(b)
	return e, err == nil, err
}

// Put writes to a temporary file first and renames it into place.
func (f *Files) Put(_ context.Context, addr tiling.Address, e Entry) error {
	path, err := f.path(addr)
	if err != nil {
		return err
	}
	tmp, err := writeTemp(path, e)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// PutIfAbsent hard links a fully written temporary file into place, which fails when the tile exists.
func (f *Files) PutIfAbsent(_ context.Context, addr tiling.Address, e Entry) (bool, error) {
	path, err := f.path(addr)
	if err != nil {
		return false, err
	}
	tmp, err := writeTemp(path, e)
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp)
	err = os.Link(tmp, path)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	return err == nil, err
}

func writeTemp(path string, e Entry) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(encodeEntry(e)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func (f *Files) Delete(_ context.Context, addr tiling.Address) error {
	path, err := f.path(addr)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (f *Files) Walk(ctx context.Context, filter Filter, fn func(tiling.Address) error) error {
	root := f.dir
	if filter.Collection != "" {
		root = filepath.Join(root, filter.Collection)
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, tileExt) {
			return nil
		}
		rel, err := filepath.Rel(f.dir, path)
		if err != nil {
			return err
		}
		addr, ok := parseTilePath(rel)
		if !ok || !filter.matches(addr) {
			return nil
		}
		return fn(addr)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func parseTilePath(rel string) (tiling.Address, bool) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 5 {
		return tiling.Address{}, false
	}
	collection, ok := collectionFromKey(parts[0])
	if !ok {
		return tiling.Address{}, false
	}
	nums := make([]int, 3)
	for i, s := range []string{parts[2], parts[3], strings.TrimSuffix(parts[4], tileExt)} {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return tiling.Address{}, false
		}
		nums[i] = n
	}
	return tiling.Address{
		Collection: collection,
		Scheme:     parts[1],
		Level:      nums[0],
		Row:        nums[1],
		Col:        nums[2],
	}, true
}

func (f *Files) Close() error {
	return nil
}
