// Package sieve removes polygons and holes that are too small to show on a tile.
package sieve

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Report counts the rings that were removed.
type Report struct {
	// rings without area, or with fewer than 4 points
	Degenerate int
	// rings with an area below the minimum
	Sieved int
}

func (r Report) Add(o Report) Report {
	return Report{Degenerate: r.Degenerate + o.Degenerate, Sieved: r.Sieved + o.Sieved}
}

// Empty is true when nothing was removed.
func (r Report) Empty() bool {
	return r.Degenerate == 0 && r.Sieved == 0
}

func ringArea(r orb.Ring) float64 {
	return math.Abs(planar.Area(r))
}

// area of a polygon, exterior minus holes
func area(p orb.Polygon) float64 {
	if len(p) == 0 {
		return 0.
	}
	interior := .0
	for _, hole := range p[1:] {
		interior += ringArea(hole)
	}
	return ringArea(p[0]) - interior
}

// Polygon sieves a polygon. A nil polygon is returned when its exterior is degenerate
// or when its area is not above minArea. Holes are removed on the same conditions.
func Polygon(p orb.Polygon, minArea float64) (orb.Polygon, Report) {
	var report Report
	if len(p) == 0 {
		return nil, report
	}
	if degenerate(p[0]) {
		report.Degenerate += len(p)
		return nil, report
	}
	sieved := orb.Polygon{p[0]}
	for _, hole := range p[1:] {
		switch {
		case degenerate(hole):
			report.Degenerate++
		case minArea > 0 && ringArea(hole) <= minArea:
			report.Sieved++
		default:
			sieved = append(sieved, hole)
		}
	}
	if minArea > 0 && area(sieved) <= minArea {
		report.Sieved += len(sieved)
		return nil, report
	}
	return sieved, report
}

// MultiPolygon sieves every polygon. A nil multipolygon is returned when nothing is left.
func MultiPolygon(mp orb.MultiPolygon, minArea float64) (orb.MultiPolygon, Report) {
	var report Report
	var sieved orb.MultiPolygon
	for _, p := range mp {
		s, r := Polygon(p, minArea)
		report = report.Add(r)
		if s != nil {
			sieved = append(sieved, s)
		}
	}
	return sieved, report
}

func degenerate(r orb.Ring) bool {
	return len(r) < 4 || ringArea(r) == 0
}
