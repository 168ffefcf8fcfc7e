package tiles

import (
	"context"
	"fmt"

	"github.com/pdok/tegel/config"
	"github.com/pdok/tegel/features"
)

// OpenSource opens the feature source of api.
func OpenSource(ctx context.Context, api config.API) (features.Source, error) {
	switch api.Source.Type {
	case config.SourceGeoPackage:
		source, err := features.NewGeoPackageSource(api.Source.Path, api.Tables())
		if err != nil {
			return nil, err
		}
		return source, nil
	case config.SourcePostGIS:
		source, err := features.NewPostGISSource(ctx, api.Source.URL, api.Tables())
		if err != nil {
			return nil, err
		}
		return source, nil
	default:
		return nil, fmt.Errorf("unknown source type %q of api %s", api.Source.Type, api.ID)
	}
}
