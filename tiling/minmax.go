package tiling

import "fmt"

// MinMax is a closed range of levels, rows or columns.
type MinMax struct {
	Min int `json:"min" mapstructure:"min" validate:"min=0"`
	Max int `json:"max" mapstructure:"max" validate:"gtefield=Min"`
}

func (m MinMax) Validate() error {
	if m.Min < 0 || m.Min > m.Max {
		return fmt.Errorf("invalid range %d..%d", m.Min, m.Max)
	}
	return nil
}

func (m MinMax) Contains(v int) bool {
	return m.Min <= v && v <= m.Max
}

// Intersect returns the overlap of both ranges, ok is false when there is none.
func (m MinMax) Intersect(o MinMax) (MinMax, bool) {
	r := MinMax{Min: max(m.Min, o.Min), Max: min(m.Max, o.Max)}
	return r, r.Min <= r.Max
}

func (m MinMax) String() string {
	return fmt.Sprintf("%d..%d", m.Min, m.Max)
}

// Limits is the tile range of one matrix that covers an extent (OGC TileMatrixSetLimits).
type Limits struct {
	TileMatrix int `json:"tileMatrix"`
	MinRow     int `json:"minTileRow"`
	MaxRow     int `json:"maxTileRow"`
	MinCol     int `json:"minTileCol"`
	MaxCol     int `json:"maxTileCol"`
}

func (l Limits) Contains(row, col int) bool {
	return l.MinRow <= row && row <= l.MaxRow && l.MinCol <= col && col <= l.MaxCol
}

// Count is the number of tiles in the range.
func (l Limits) Count() int {
	return (l.MaxRow - l.MinRow + 1) * (l.MaxCol - l.MinCol + 1)
}

// Tiles calls fn for every row and col in the range, row by row. It stops when fn returns false.
func (l Limits) Tiles(fn func(row, col int) bool) {
	for row := l.MinRow; row <= l.MaxRow; row++ {
		for col := l.MinCol; col <= l.MaxCol; col++ {
			if !fn(row, col) {
				return
			}
		}
	}
}
