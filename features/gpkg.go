package features

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/gpkg"

	"github.com/pdok/tegel/crs"
)

// GeoPackageSource reads collections from the feature tables of a GeoPackage.
// An rtree index is used when the GeoPackage has one for the table.
type GeoPackageSource struct {
	handle *gpkg.Handle
	tables map[string]Table

	mu    sync.Mutex
	infos map[string]*tableInfo
}

type tableInfo struct {
	table   Table
	columns []string
	srsID   int
	rtree   string
	extent  *geom.Extent
}

// NewGeoPackageSource opens file. Tables maps collection ids onto tables,
// collections without an entry are read from the table with the same name.
func NewGeoPackageSource(file string, tables map[string]Table) (*GeoPackageSource, error) {
	handle, err := gpkg.Open(file)
	if err != nil {
		return nil, fmt.Errorf("error opening GeoPackage %s: %w", file, err)
	}
	if tables == nil {
		tables = make(map[string]Table)
	}
	return &GeoPackageSource{handle: handle, tables: tables, infos: make(map[string]*tableInfo)}, nil
}

func (source *GeoPackageSource) Close() error {
	return source.handle.Close()
}

func (source *GeoPackageSource) Describe(ctx context.Context, collection string) (Description, error) {
	info, err := source.tableInfo(ctx, collection)
	if err != nil {
		return Description{}, err
	}
	return Description{CRS: srsCode(info.srsID), Extent: info.extent}, nil
}

func (source *GeoPackageSource) Query(ctx context.Context, q Query, out chan<- Feature) error {
	defer close(out)
	info, err := source.tableInfo(ctx, q.Collection)
	if err != nil {
		return err
	}
	query, args, err := info.selectSQL(q)
	if err != nil {
		return err
	}
	rows, err := source.handle.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error querying %s: %w", info.table.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("error reading the columns: %w", err)
	}
	n := 0
	for rows.Next() {
		if q.Limit > 0 && n >= q.Limit {
			break
		}
		vals := make([]any, len(cols))
		valPtrs := make([]any, len(cols))
		for i := range cols {
			valPtrs[i] = &vals[i]
		}
		if err = rows.Scan(valPtrs...); err != nil {
			return fmt.Errorf("err reading row values: %w", err)
		}
		f, err := info.toFeature(cols, vals, q)
		if err != nil {
			return err
		}
		// without an rtree the bbox is tested here
		if f.Geometry == nil || (info.rtree == "" && !intersects(f.Geometry, q.BBox)) {
			continue
		}
		if err = send(ctx, out, f); err != nil {
			return err
		}
		n++
	}
	return rows.Err()
}

func (info *tableInfo) toFeature(cols []string, vals []any, q Query) (Feature, error) {
	f := Feature{Properties: make(map[string]any, len(cols))}
	for i, colName := range cols {
		switch colName {
		case info.table.GeometryColumn:
			raw, ok := vals[i].([]byte)
			if !ok {
				continue
			}
			sb, err := gpkg.DecodeGeometry(raw)
			if err != nil {
				return f, fmt.Errorf("error decoding the geometry of %s: %w", info.table.Name, err)
			}
			f.Geometry = sb.Geometry
		case info.table.IDColumn:
			f.ID = vals[i]
		default:
			v, err := columnValue(vals[i])
			if err != nil {
				return f, fmt.Errorf("column %s of %s: %w", colName, info.table.Name, err)
			}
			f.Properties[colName] = v
		}
	}
	f.Properties = selectProperties(f.Properties, q)
	return f, nil
}

func columnValue(v any) (any, error) {
	switch v := v.(type) {
	case []byte:
		return string(v), nil
	case int64, float64, string, bool, nil:
		return v, nil
	case time.Time:
		return v.Format(time.RFC3339), nil
	default:
		return nil, fmt.Errorf("unexpected type for sqlite column data: %T", v)
	}
}

// selectSQL builds the SELECT statement for q. Column names are checked against the table.
func (info *tableInfo) selectSQL(q Query) (string, []any, error) {
	t := info.table
	selected := []string{t.IDColumn, t.GeometryColumn}
	if q.Properties == nil {
		for _, c := range info.columns {
			if c != t.IDColumn && c != t.GeometryColumn {
				selected = append(selected, c)
			}
		}
	} else {
		for _, c := range q.Properties {
			if c != t.IDColumn && c != t.GeometryColumn && slices.Contains(info.columns, c) {
				selected = append(selected, c)
			}
		}
	}
	quoted := make([]string, len(selected))
	for i := range selected {
		quoted[i] = quoteIdent(selected[i])
	}

	var where []string
	var args []any
	if info.rtree != "" {
		where = append(where, fmt.Sprintf(`%s IN (SELECT id FROM %s WHERE minx <= ? AND maxx >= ? AND miny <= ? AND maxy >= ?)`,
			quoteIdent(t.IDColumn), quoteIdent(info.rtree)))
		args = append(args, q.BBox.MaxX(), q.BBox.MinX(), q.BBox.MaxY(), q.BBox.MinY())
	}
	for _, name := range sortedFilterNames(q.Filter) {
		if err := checkColumns(info.columns, name); err != nil {
			return "", nil, err
		}
		where = append(where, fmt.Sprintf(`CAST(%s AS TEXT) = ?`, quoteIdent(name)))
		args = append(args, q.Filter[name])
	}

	query := `SELECT ` + strings.Join(quoted, `,`) + ` FROM ` + quoteIdent(t.Name)
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY ` + quoteIdent(t.IDColumn)
	if q.Limit > 0 && info.rtree != "" {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}
	return query, args, nil
}

// tableInfo collects (once) the column, srs and index information of a collection table.
func (source *GeoPackageSource) tableInfo(ctx context.Context, collection string) (*tableInfo, error) {
	source.mu.Lock()
	defer source.mu.Unlock()
	if info, ok := source.infos[collection]; ok {
		return info, nil
	}
	t, ok := source.tables[collection]
	if !ok {
		t = Table{Name: collection}
	}
	if t.Name == "" {
		t.Name = collection
	}
	if t.IDColumn == "" {
		t.IDColumn = "fid"
	}

	info := &tableInfo{table: t}
	var minX, minY, maxX, maxY sql.NullFloat64
	row := source.handle.QueryRowContext(ctx,
		`SELECT g.column_name, g.srs_id, c.min_x, c.min_y, c.max_x, c.max_y
		FROM gpkg_geometry_columns g JOIN gpkg_contents c ON c.table_name = g.table_name
		WHERE g.table_name = ?`, t.Name)
	var gcolumn string
	if err := row.Scan(&gcolumn, &info.srsID, &minX, &minY, &maxX, &maxY); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
		}
		return nil, fmt.Errorf("error reading the source table information of %s: %w", t.Name, err)
	}
	if info.table.GeometryColumn == "" {
		info.table.GeometryColumn = gcolumn
	}
	if minX.Valid && minY.Valid && maxX.Valid && maxY.Valid {
		info.extent = &geom.Extent{minX.Float64, minY.Float64, maxX.Float64, maxY.Float64}
	}

	rows, err := source.handle.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, quoteIdent(t.Name)))
	if err != nil {
		return nil, fmt.Errorf("error getting the column information of %s: %w", t.Name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dfltValue sql.NullString
		if err = rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("error getting the column information: %w", err)
		}
		info.columns = append(info.columns, name)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if err = checkColumns(info.columns, info.table.IDColumn, info.table.GeometryColumn); err != nil {
		return nil, fmt.Errorf("table %s: %w", t.Name, err)
	}

	rtree := fmt.Sprintf("rtree_%s_%s", t.Name, info.table.GeometryColumn)
	var found string
	err = source.handle.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, rtree).Scan(&found)
	switch {
	case err == nil:
		info.rtree = rtree
	case err != sql.ErrNoRows:
		return nil, err
	}

	source.infos[collection] = info
	return info, nil
}

// srsCode maps GeoPackage srs ids onto CRS codes. 4326 is read as lon/lat, like GeoPackage stores it.
func srsCode(srsID int) crs.Code {
	if srsID == 4326 {
		return crs.CRS84
	}
	return crs.New("EPSG", fmt.Sprint(srsID))
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sortedFilterNames(filter map[string]string) []string {
	names := make([]string, 0, len(filter))
	for name := range filter {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
