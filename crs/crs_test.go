package crs

import (
	"errors"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Code
		wantErr bool
	}{
		{in: "EPSG:3857", want: EPSG3857},
		{in: "epsg:28992", want: "EPSG:28992"},
		{in: "http://www.opengis.net/def/crs/OGC/1.3/CRS84", want: CRS84},
		{in: "http://www.opengis.net/def/crs/EPSG/0/4326", want: EPSG4326},
		{in: "urn:ogc:def:crs:EPSG::3395", want: EPSG3395},
		{in: "3857", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCodeURIAndSRID(t *testing.T) {
	assert.Equal(t, "http://www.opengis.net/def/crs/OGC/1.3/CRS84", CRS84.URI())
	assert.Equal(t, "http://www.opengis.net/def/crs/EPSG/0/3857", EPSG3857.URI())
	srid, err := CRS84.SRID()
	require.NoError(t, err)
	assert.Equal(t, 4326, srid)
	_, err = Code("OGC:CRS27").SRID()
	require.Error(t, err)
	assert.True(t, CRS84.Equivalent(EPSG4326))
	assert.False(t, CRS84.Equivalent(EPSG3857))
}

func TestProjTransformerBox(t *testing.T) {
	tr := NewProjTransformer()
	tests := []struct {
		name  string
		box   geom.Extent
		from  Code
		to    Code
		want  geom.Extent
		delta float64
	}{
		{
			name: "identity",
			box:  geom.Extent{-10, -10, 10, 10}, from: CRS84, to: EPSG4326,
			want: geom.Extent{-10, -10, 10, 10}, delta: 0,
		},
		{
			name: "lon/lat world to web mercator is clamped",
			box:  geom.Extent{-180, -90, 180, 90}, from: CRS84, to: EPSG3857,
			want:  geom.Extent{-20037508.3427892, -20037508.3427892, 20037508.3427892, 20037508.3427892},
			delta: 1,
		},
		{
			name: "web mercator to lon/lat",
			box:  geom.Extent{-20037508.3427892, -20037508.3427892, 20037508.3427892, 20037508.3427892}, from: EPSG3857, to: CRS84,
			want:  geom.Extent{-180, -85.0511, 180, 85.0511},
			delta: 1e-3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tr.TransformBox(tt.box, tt.from, tt.to)
			require.NoError(t, err)
			for i := range got {
				assert.InDelta(t, tt.want[i], got[i], tt.delta, "ordinate %d", i)
			}
		})
	}
}

func TestProjTransformerErrors(t *testing.T) {
	tr := NewProjTransformer()
	_, err := tr.TransformBox(geom.Extent{0, 0, 1, 1}, CRS84, "EPSG:28992")
	var te *TransformError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, Code("EPSG:28992"), te.To)
	assert.True(t, errors.Is(err, ErrUnsupported))

	_, err = tr.TransformBox(geom.Extent{10, 0, -10, 1}, CRS84, EPSG3857)
	require.ErrorAs(t, err, &te)
}

func TestProjTransformerGeometry(t *testing.T) {
	tr := NewProjTransformer()
	g, err := tr.TransformGeometry(geom.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 0}}}, CRS84, EPSG3857)
	require.NoError(t, err)
	poly, ok := g.(geom.Polygon)
	require.True(t, ok)
	require.Len(t, poly[0], 4)
	assert.InDelta(t, 1113194.9, poly[0][1][0], 1)
	assert.InDelta(t, 0, poly[0][1][1], 1e-6)

	back, err := tr.TransformGeometry(poly, EPSG3857, CRS84)
	require.NoError(t, err)
	assert.InDelta(t, 10, back.(geom.Polygon)[0][2][1], 1e-6)

	_, err = tr.TransformGeometry(geom.Line{{0, 0}, {1, 1}}, CRS84, EPSG3857)
	require.Error(t, err)
}
