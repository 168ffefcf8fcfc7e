package tiling

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DatasetCollection stands in for the collection of multi-layer tiles in keys and paths.
const DatasetCollection = "_"

var collectionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidateCollectionID checks that id can be used as a path segment and cache key
// without clashing with multi-layer tiles or other collections.
func ValidateCollectionID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidCollectionID)
	case id == DatasetCollection || id == "." || id == "..":
		return fmt.Errorf("%w: %q is reserved", ErrInvalidCollectionID, id)
	case !collectionIDPattern.MatchString(id):
		return fmt.Errorf("%w: %q may only contain letters, digits, '_', '.' and '-'", ErrInvalidCollectionID, id)
	}
	return nil
}

// Address identifies one tile. An empty Collection addresses the multi-layer (dataset) tile.
type Address struct {
	Collection string
	Scheme     string
	Level      int
	Row        int
	Col        int
}

// IsDataset reports whether this is a multi-layer tile.
func (a Address) IsDataset() bool {
	return a.Collection == ""
}

// DatasetKey is the address of the multi-layer tile at the same position.
func (a Address) DatasetKey() Address {
	a.Collection = ""
	return a
}

// ForCollection is the address of the single-layer tile of collection at the same position.
func (a Address) ForCollection(collection string) Address {
	a.Collection = collection
	return a
}

func (a Address) String() string {
	c := a.Collection
	if c == "" {
		c = DatasetCollection
	}
	return strings.Join([]string{c, a.Scheme, strconv.Itoa(a.Level), strconv.Itoa(a.Row), strconv.Itoa(a.Col)}, "/")
}

// Validate checks the address against the matrix of its scheme.
func (a Address) Validate(s Scheme) error {
	if a.Scheme != s.ID() {
		return fmt.Errorf("address %v does not belong to tiling scheme %s", a, s.ID())
	}
	if !s.Contains(a.Level, a.Row, a.Col) {
		return fmt.Errorf("%w: tile %v", ErrNotFound, a)
	}
	return nil
}
