package tiling

import "errors"

var (
	// ErrNotFound is returned for unknown tiling schemes and for tiles outside a matrix.
	ErrNotFound = errors.New("not found")

	ErrDuplicateScheme = errors.New("tiling scheme already registered")

	ErrInvalidCollectionID = errors.New("invalid collection id")
)
