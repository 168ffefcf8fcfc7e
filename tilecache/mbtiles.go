package tilecache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-spatial/geom"
	_ "github.com/mattn/go-sqlite3" // register sqlite3 driver
	"go.uber.org/multierr"

	"github.com/pdok/tegel/crs"
	"github.com/pdok/tegel/tiling"
)

const mbtilesExt = ".mbtiles"

const mbtilesSchema = `
CREATE TABLE IF NOT EXISTS metadata (name TEXT PRIMARY KEY, value TEXT);
CREATE TABLE IF NOT EXISTS tiles (
	zoom_level INTEGER NOT NULL,
	tile_column INTEGER NOT NULL,
	tile_row INTEGER NOT NULL,
	tile_data BLOB,
	is_empty INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (zoom_level, tile_column, tile_row)
);`

// MBTiles keeps one MBTiles file per collection and tiling scheme.
// Structure: {dir}/{collection}/{scheme}.mbtiles, collection "_" for multi-layer tiles.
// Rows are stored bottom-up as MBTiles requires.
type MBTiles struct {
	dir         string
	registry    *tiling.Registry
	transformer crs.Transformer

	mu    sync.Mutex
	files map[string]*mbtilesFile
}

type mbtilesFile struct {
	once sync.Once
	db   *sql.DB
	err  error
}

func NewMBTiles(dir string, registry *tiling.Registry, transformer crs.Transformer) (*MBTiles, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &MBTiles{
		dir:         dir,
		registry:    registry,
		transformer: transformer,
		files:       make(map[string]*mbtilesFile),
	}, nil
}

func (m *MBTiles) path(collection, scheme string) (string, error) {
	key, err := storageKey(collection)
	if err != nil {
		return "", err
	}
	return filepath.Join(m.dir, key, scheme+mbtilesExt), nil
}

// db opens the file of collection and scheme. Without create a missing file gives a nil db.
func (m *MBTiles) db(ctx context.Context, collection, scheme string, create bool) (*sql.DB, error) {
	path, err := m.path(collection, scheme)
	if err != nil {
		return nil, err
	}
	if !create {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
	}
	m.mu.Lock()
	f, ok := m.files[path]
	if !ok {
		f = &mbtilesFile{}
		m.files[path] = f
	}
	m.mu.Unlock()

	f.once.Do(func() {
		f.db, f.err = openMBTiles(context.WithoutCancel(ctx), path)
	})
	return f.db, f.err
}

func openMBTiles(ctx context.Context, path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, mbtilesSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not create mbtiles schema in %s: %w", path, err)
	}
	return db, nil
}

// tmsRow flips a row counted from the top into one counted from the bottom and back.
func (m *MBTiles) tmsRow(addr tiling.Address, row int) (int, error) {
	scheme, err := m.registry.Get(addr.Scheme)
	if err != nil {
		return 0, err
	}
	return int(scheme.MatrixHeight(addr.Level)) - 1 - row, nil
}

func (m *MBTiles) Stat(ctx context.Context, addr tiling.Address) (bool, bool, error) {
	db, err := m.db(ctx, addr.Collection, addr.Scheme, false)
	if err != nil || db == nil {
		return false, false, err
	}
	row, err := m.tmsRow(addr, addr.Row)
	if err != nil {
		return false, false, err
	}
	var empty bool
	err = db.QueryRowContext(ctx, "SELECT is_empty FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		addr.Level, addr.Col, row).Scan(&empty)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	} else if err != nil {
		return false, false, err
	}
	return empty, true, nil
}

func (m *MBTiles) Get(ctx context.Context, addr tiling.Address) (Entry, bool, error) {
	db, err := m.db(ctx, addr.Collection, addr.Scheme, false)
	if err != nil || db == nil {
		return Entry{}, false, err
	}
	row, err := m.tmsRow(addr, addr.Row)
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	err = db.QueryRowContext(ctx, "SELECT tile_data, is_empty FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		addr.Level, addr.Col, row).Scan(&e.Data, &e.Empty)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	} else if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (m *MBTiles) Put(ctx context.Context, addr tiling.Address, e Entry) error {
	_, err := m.write(ctx, addr, "INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data, is_empty) VALUES (?, ?, ?, ?, ?)", e)
	return err
}

func (m *MBTiles) PutIfAbsent(ctx context.Context, addr tiling.Address, e Entry) (bool, error) {
	return m.write(ctx, addr, "INSERT OR IGNORE INTO tiles (zoom_level, tile_column, tile_row, tile_data, is_empty) VALUES (?, ?, ?, ?, ?)", e)
}

// write runs one tile statement and widens the metadata in the same transaction.
func (m *MBTiles) write(ctx context.Context, addr tiling.Address, stmt string, e Entry) (bool, error) {
	scheme, err := m.registry.Get(addr.Scheme)
	if err != nil {
		return false, err
	}
	db, err := m.db(ctx, addr.Collection, addr.Scheme, true)
	if err != nil {
		return false, err
	}
	row, err := m.tmsRow(addr, addr.Row)
	if err != nil {
		return false, err
	}
	data := e.Data
	if data == nil {
		data = []byte{}
	}
	return inTx(ctx, db, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, stmt, addr.Level, addr.Col, row, data, e.Empty)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return false, err
		}
		return true, m.widenMetadata(ctx, tx, addr, scheme)
	})
}

func (m *MBTiles) Delete(ctx context.Context, addr tiling.Address) error {
	scheme, err := m.registry.Get(addr.Scheme)
	if err != nil {
		return err
	}
	db, err := m.db(ctx, addr.Collection, addr.Scheme, false)
	if err != nil || db == nil {
		return err
	}
	row, err := m.tmsRow(addr, addr.Row)
	if err != nil {
		return err
	}
	_, err = inTx(ctx, db, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, "DELETE FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?", addr.Level, addr.Col, row)
		if err != nil {
			return false, err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return false, err
		}
		return true, m.refreshMetadata(ctx, tx, addr.Collection, scheme)
	})
	return err
}

type mbtilesKey struct {
	collection string
	scheme     string
}

// DeleteAll removes addrs with one transaction per file and derives the metadata of
// each file once afterwards.
func (m *MBTiles) DeleteAll(ctx context.Context, addrs []tiling.Address) error {
	groups := make(map[mbtilesKey][]tiling.Address)
	var order []mbtilesKey
	for _, addr := range addrs {
		k := mbtilesKey{collection: addr.Collection, scheme: addr.Scheme}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], addr)
	}
	for _, k := range order {
		if err := m.deleteFromFile(ctx, k, groups[k]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MBTiles) deleteFromFile(ctx context.Context, k mbtilesKey, addrs []tiling.Address) error {
	scheme, err := m.registry.Get(k.scheme)
	if err != nil {
		return err
	}
	db, err := m.db(ctx, k.collection, k.scheme, false)
	if err != nil || db == nil {
		return err
	}
	_, err = inTx(ctx, db, func(tx *sql.Tx) (bool, error) {
		stmt, err := tx.PrepareContext(ctx, "DELETE FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?")
		if err != nil {
			return false, err
		}
		defer stmt.Close()
		var deleted int64
		for _, addr := range addrs {
			row, err := m.tmsRow(addr, addr.Row)
			if err != nil {
				return false, err
			}
			res, err := stmt.ExecContext(ctx, addr.Level, addr.Col, row)
			if err != nil {
				return false, err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return false, err
			}
			deleted += n
		}
		if deleted == 0 {
			return false, nil
		}
		return true, m.refreshMetadata(ctx, tx, k.collection, scheme)
	})
	return err
}

func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) (bool, error)) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	changed, err := fn(tx)
	if err != nil {
		_ = tx.Rollback()
		return false, err
	}
	return changed, tx.Commit()
}

// widenMetadata grows the zoom range, bounds and center by the tile at addr.
func (m *MBTiles) widenMetadata(ctx context.Context, tx *sql.Tx, addr tiling.Address, scheme tiling.Scheme) error {
	current, err := readMetadata(ctx, tx)
	if err != nil {
		return err
	}
	minZoom, maxZoom := addr.Level, addr.Level
	if z, err := strconv.Atoi(current["minzoom"]); err == nil {
		minZoom = min(minZoom, z)
	}
	if z, err := strconv.Atoi(current["maxzoom"]); err == nil {
		maxZoom = max(maxZoom, z)
	}
	var bounds *geom.Extent
	if tile, err := scheme.TileBoundingBox(addr.Level, addr.Row, addr.Col); err == nil {
		if b, err := m.transformer.TransformBox(tile, scheme.CRS(), crs.CRS84); err == nil {
			bounds = &b
		}
	}
	if _, ok := current["minzoom"]; ok && bounds != nil {
		// bounds missing next to a zoom range could not be derived before and stay missing
		prev, ok := parseBounds(current["bounds"])
		if !ok {
			bounds = nil
		} else {
			bounds = &geom.Extent{
				min(prev.MinX(), bounds.MinX()), min(prev.MinY(), bounds.MinY()),
				max(prev.MaxX(), bounds.MaxX()), max(prev.MaxY(), bounds.MaxY()),
			}
		}
	}
	return writeMetadata(ctx, tx, addr.Collection, scheme, minZoom, maxZoom, bounds)
}

// refreshMetadata derives the zoom range, bounds and center from all stored tiles.
func (m *MBTiles) refreshMetadata(ctx context.Context, tx *sql.Tx, collection string, scheme tiling.Scheme) error {
	rows, err := tx.QueryContext(ctx, "SELECT zoom_level, MIN(tile_column), MAX(tile_column), MIN(tile_row), MAX(tile_row) FROM tiles GROUP BY zoom_level ORDER BY zoom_level")
	if err != nil {
		return err
	}
	minZoom, maxZoom := math.MaxInt, -1
	var extent *geom.Extent
	for rows.Next() {
		var level, minCol, maxCol, minTmsRow, maxTmsRow int
		if err := rows.Scan(&level, &minCol, &maxCol, &minTmsRow, &maxTmsRow); err != nil {
			_ = rows.Close()
			return err
		}
		minZoom = min(minZoom, level)
		maxZoom = max(maxZoom, level)
		height := int(scheme.MatrixHeight(level))
		topLeft, err1 := scheme.TileBoundingBox(level, height-1-maxTmsRow, minCol)
		bottomRight, err2 := scheme.TileBoundingBox(level, height-1-minTmsRow, maxCol)
		if err1 != nil || err2 != nil {
			continue
		}
		e := geom.Extent{topLeft.MinX(), bottomRight.MinY(), bottomRight.MaxX(), topLeft.MaxY()}
		if extent == nil {
			extent = &e
		} else {
			extent = &geom.Extent{
				min(extent.MinX(), e.MinX()), min(extent.MinY(), e.MinY()),
				max(extent.MaxX(), e.MaxX()), max(extent.MaxY(), e.MaxY()),
			}
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()

	var bounds *geom.Extent
	if extent != nil {
		if b, err := m.transformer.TransformBox(*extent, scheme.CRS(), crs.CRS84); err == nil {
			bounds = &b
		}
	}
	return writeMetadata(ctx, tx, collection, scheme, minZoom, maxZoom, bounds)
}

// writeMetadata stores the metadata of a file. A negative maxZoom means the file has no tiles,
// bounds are in CRS84.
func writeMetadata(ctx context.Context, tx *sql.Tx, collection string, scheme tiling.Scheme, minZoom, maxZoom int, bounds *geom.Extent) error {
	name := collection
	if name == "" {
		name = "dataset"
	}
	metadata := map[string]string{
		"name":   name,
		"format": "pbf",
		"type":   "overlay",
		"scheme": scheme.ID(),
	}
	var stale []string
	switch {
	case maxZoom < 0:
		stale = []string{"minzoom", "maxzoom", "bounds", "center"}
	case bounds == nil:
		metadata["minzoom"] = strconv.Itoa(minZoom)
		metadata["maxzoom"] = strconv.Itoa(maxZoom)
		stale = []string{"bounds", "center"}
	default:
		metadata["minzoom"] = strconv.Itoa(minZoom)
		metadata["maxzoom"] = strconv.Itoa(maxZoom)
		metadata["bounds"] = joinFloats(bounds.MinX(), bounds.MinY(), bounds.MaxX(), bounds.MaxY())
		metadata["center"] = joinFloats((bounds.MinX()+bounds.MaxX())/2, (bounds.MinY()+bounds.MaxY())/2) + "," + strconv.Itoa(minZoom)
	}
	for k, v := range metadata {
		if _, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO metadata (name, value) VALUES (?, ?)", k, v); err != nil {
			return err
		}
	}
	for _, k := range stale {
		if _, err := tx.ExecContext(ctx, "DELETE FROM metadata WHERE name = ?", k); err != nil {
			return err
		}
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func readMetadata(ctx context.Context, q querier) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT name, value FROM metadata")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	metadata := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		metadata[k] = v
	}
	return metadata, rows.Err()
}

func parseBounds(s string) (geom.Extent, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return geom.Extent{}, false
	}
	var e geom.Extent
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return geom.Extent{}, false
		}
		e[i] = f
	}
	return e, true
}

func joinFloats(fs ...float64) string {
	s := make([]string, len(fs))
	for i, f := range fs {
		s[i] = strconv.FormatFloat(f, 'f', 6, 64)
	}
	return strings.Join(s, ",")
}

// Metadata returns the metadata table of the file of collection and scheme.
func (m *MBTiles) Metadata(ctx context.Context, collection, scheme string) (map[string]string, error) {
	db, err := m.db(ctx, collection, scheme, false)
	if err != nil || db == nil {
		return nil, err
	}
	return readMetadata(ctx, db)
}

func (m *MBTiles) Walk(ctx context.Context, f Filter, fn func(tiling.Address) error) error {
	collection, scheme := "*", "*"
	if f.Collection != "" {
		collection = f.Collection
	}
	if f.Scheme != "" {
		scheme = f.Scheme
	}
	paths, err := filepath.Glob(filepath.Join(m.dir, collection, scheme+mbtilesExt))
	if err != nil {
		return err
	}
	for _, path := range paths {
		rel, err := filepath.Rel(m.dir, path)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 2 {
			continue
		}
		collection, ok := collectionFromKey(parts[0])
		if !ok {
			continue
		}
		addrs, err := m.addresses(ctx, collection, strings.TrimSuffix(parts[1], mbtilesExt))
		if err != nil {
			return err
		}
		for _, addr := range addrs {
			if !f.matches(addr) {
				continue
			}
			if err := fn(addr); err != nil {
				return err
			}
		}
	}
	return nil
}

// addresses lists the tiles of one file, read completely so fn may modify the file.
func (m *MBTiles) addresses(ctx context.Context, collection, scheme string) ([]tiling.Address, error) {
	db, err := m.db(ctx, collection, scheme, false)
	if err != nil || db == nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, "SELECT zoom_level, tile_column, tile_row FROM tiles ORDER BY zoom_level, tile_row, tile_column")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var addrs []tiling.Address
	for rows.Next() {
		addr := tiling.Address{Collection: collection, Scheme: scheme}
		var tmsRow int
		if err := rows.Scan(&addr.Level, &addr.Col, &tmsRow); err != nil {
			return nil, err
		}
		if addr.Row, err = m.tmsRow(addr, tmsRow); err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, rows.Err()
}

func (m *MBTiles) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	for path, f := range m.files {
		if f.db != nil {
			err = multierr.Append(err, f.db.Close())
		}
		delete(m.files, path)
	}
	return err
}
