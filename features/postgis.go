package features

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/wkb"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostGISSource reads collections from PostGIS tables through a connection pool.
type PostGISSource struct {
	pool   *pgxpool.Pool
	tables map[string]Table

	mu    sync.Mutex
	infos map[string]postgisInfo
}

type postgisInfo struct {
	table  Table
	srid   int
	extent *geom.Extent
}

// NewPostGISSource connects to databaseURL. Tables maps collection ids onto tables,
// collections without an entry are read from the table with the same name, column geom.
func NewPostGISSource(ctx context.Context, databaseURL string, tables map[string]Table) (*PostGISSource, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 1 * time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if tables == nil {
		tables = make(map[string]Table)
	}
	return &PostGISSource{pool: pool, tables: tables, infos: make(map[string]postgisInfo)}, nil
}

func (source *PostGISSource) Close() error {
	source.pool.Close()
	return nil
}

func (source *PostGISSource) Describe(ctx context.Context, collection string) (Description, error) {
	info, err := source.info(ctx, collection)
	if err != nil {
		return Description{}, err
	}
	return Description{CRS: srsCode(info.srid), Extent: info.extent}, nil
}

func (source *PostGISSource) Query(ctx context.Context, q Query, out chan<- Feature) error {
	defer close(out)
	info, err := source.info(ctx, q.Collection)
	if err != nil {
		return err
	}
	query, args := postgisSelectSQL(info.table, info.srid, q)
	rows, err := source.pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error querying %s: %w", info.table.Name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id any
		var raw []byte
		var props map[string]any
		if err = rows.Scan(&id, &raw, &props); err != nil {
			return fmt.Errorf("err reading row values: %w", err)
		}
		if raw == nil {
			continue
		}
		g, err := wkb.DecodeBytes(raw)
		if err != nil {
			return fmt.Errorf("error decoding the geometry of feature %v in %s: %w", id, info.table.Name, err)
		}
		if err = send(ctx, out, Feature{ID: id, Geometry: g, Properties: props}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// postgisSelectSQL builds the query for q. Identifiers come from configuration
// and are quoted, values are passed as arguments.
func postgisSelectSQL(t Table, srid int, q Query) (string, []any) {
	gcol := quoteIdent(t.GeometryColumn)
	args := []any{q.BBox.MinX(), q.BBox.MinY(), q.BBox.MaxX(), q.BBox.MaxY()}

	geomExpr := gcol
	if q.MaxAllowableOffset > 0 {
		args = append(args, q.MaxAllowableOffset)
		geomExpr = fmt.Sprintf(`ST_SimplifyPreserveTopology(%s, $%d)`, gcol, len(args))
	}

	var propsExpr string
	if q.Properties == nil {
		propsExpr = fmt.Sprintf(`to_jsonb(t) - '%s' - '%s'`, escapeLiteral(t.GeometryColumn), escapeLiteral(t.IDColumn))
	} else {
		pairs := make([]string, 0, 2*len(q.Properties))
		for _, p := range q.Properties {
			pairs = append(pairs, fmt.Sprintf(`'%s', t.%s`, escapeLiteral(p), quoteIdent(p)))
		}
		propsExpr = `jsonb_build_object(` + strings.Join(pairs, `, `) + `)`
	}

	where := []string{fmt.Sprintf(`%s && ST_MakeEnvelope($1, $2, $3, $4, %d)`, gcol, srid)}
	for _, name := range sortedFilterNames(q.Filter) {
		args = append(args, q.Filter[name])
		where = append(where, fmt.Sprintf(`t.%s::text = $%d`, quoteIdent(name), len(args)))
	}

	query := fmt.Sprintf(`SELECT t.%s, ST_AsBinary(%s), %s FROM %s t WHERE %s ORDER BY t.%s`,
		quoteIdent(t.IDColumn), geomExpr, propsExpr, quoteQualified(t.Name), strings.Join(where, ` AND `), quoteIdent(t.IDColumn))
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}
	return query, args
}

func (source *PostGISSource) info(ctx context.Context, collection string) (postgisInfo, error) {
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
	if t.GeometryColumn == "" {
		t.GeometryColumn = "geom"
	}
	if t.IDColumn == "" {
		t.IDColumn = "id"
	}

	info := postgisInfo{table: t}
	var minX, minY, maxX, maxY *float64
	var srid *int
	err := source.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT ST_SRID(e), ST_XMin(e), ST_YMin(e), ST_XMax(e), ST_YMax(e) FROM (SELECT ST_SetSRID(ST_Extent(%s), MAX(ST_SRID(%s))) e FROM %s) s`,
		quoteIdent(t.GeometryColumn), quoteIdent(t.GeometryColumn), quoteQualified(t.Name)),
	).Scan(&srid, &minX, &minY, &maxX, &maxY)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return info, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
		}
		return info, fmt.Errorf("error reading the table information of %s: %w", t.Name, err)
	}
	if srid != nil {
		info.srid = *srid
	}
	if minX != nil && minY != nil && maxX != nil && maxY != nil {
		info.extent = &geom.Extent{*minX, *minY, *maxX, *maxY}
	}
	source.infos[collection] = info
	return info, nil
}

// quoteQualified quotes schema.table
func quoteQualified(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = quoteIdent(parts[i])
	}
	return strings.Join(parts, ".")
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, `'`, `''`)
}
