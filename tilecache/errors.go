package tilecache

import (
	"errors"
	"fmt"

	"github.com/pdok/tegel/tiling"
)

var ErrNotFound = errors.New("tile not in cache")

// IOError is a failure of the storage behind the cache.
type IOError struct {
	Op      string
	Address tiling.Address
	Err     error
}

func (e *IOError) Error() string {
	if e.Address == (tiling.Address{}) {
		return fmt.Sprintf("cache %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s of tile %v failed: %v", e.Op, e.Address, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
