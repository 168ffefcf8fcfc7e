package tilegen

import (
	"fmt"

	"github.com/pdok/tegel/tiling"
)

// GenerationError is returned when the content of one tile could not be produced.
type GenerationError struct {
	Address tiling.Address
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("could not generate tile %v: %v", e.Address, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// GeometryWarning describes a feature or ring that was left out of a tile.
// Warnings are logged, the tile is still produced.
type GeometryWarning struct {
	Address   tiling.Address
	FeatureID any
	Reason    string
	// WKT of the offending geometry, truncated
	Geometry string
}

func (w GeometryWarning) String() string {
	return fmt.Sprintf("tile %v feature %v: %s", w.Address, w.FeatureID, w.Reason)
}
