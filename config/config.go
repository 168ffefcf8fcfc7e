// Package config reads the tegel configuration file. Load returns the file as written,
// Resolve turns it into the flat form the rest of tegel works with.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/pdok/tegel/tiling"
)

const envPrefix = "TEGEL"

var ErrUnknownCollection = errors.New("unknown collection")

// Config is the configuration file.
type Config struct {
	LogLevel       string      `mapstructure:"logLevel" default:"info" validate:"oneof=debug info warn error"`
	Server         Server      `mapstructure:"server"`
	Cache          Cache       `mapstructure:"cache"`
	TileMatrixSets []string    `mapstructure:"tileMatrixSets"`
	Seeding        Seeding     `mapstructure:"seeding"`
	Tiles          Tiles       `mapstructure:"tiles"`
	APIs           []APIConfig `mapstructure:"apis" validate:"dive"`
}

type Server struct {
	Port int `mapstructure:"port" default:"8080" validate:"min=1,max=65535"`
}

type Cache struct {
	Type             string        `mapstructure:"type" default:"memory" validate:"oneof=memory files mbtiles redis"`
	Dir              string        `mapstructure:"dir" default:"./cache"`
	MaxMemoryTiles   int           `mapstructure:"maxMemoryTiles" validate:"min=0"`
	Redis            Redis         `mapstructure:"redis"`
	TemporaryTTL     time.Duration `mapstructure:"temporaryTTL" default:"5m"`
	TemporaryMaxSize int64         `mapstructure:"temporaryMaxSize" default:"1000" validate:"min=1"`
}

type Redis struct {
	Addr   string        `mapstructure:"addr" default:"localhost:6379"`
	Prefix string        `mapstructure:"prefix" default:"tegel"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type Seeding struct {
	// Workers 0 means one per CPU
	Workers              int           `mapstructure:"workers" validate:"min=0"`
	TileTimeout          time.Duration `mapstructure:"tileTimeout" default:"60s"`
	MaxRequestsPerSecond float64       `mapstructure:"maxRequestsPerSecond" validate:"min=0"`
	RunOnStartup         *bool         `mapstructure:"runOnStartup" default:"true"`
}

type Tiles struct {
	Extent       uint32  `mapstructure:"extent" default:"4096" validate:"min=256"`
	Buffer       uint32  `mapstructure:"buffer" default:"64"`
	SieveArea    float64 `mapstructure:"sieveArea" validate:"min=0"`
	DefaultLimit int     `mapstructure:"defaultLimit" default:"100000" validate:"min=1"`
}

type APIConfig struct {
	ID           string             `mapstructure:"id" validate:"required"`
	DatasetTiles bool               `mapstructure:"datasetTiles"`
	Source       Source             `mapstructure:"source"`
	Collections  []CollectionConfig `mapstructure:"collections" validate:"required,dive"`
}

type SourceType string

const (
	SourceGeoPackage SourceType = "geopackage"
	SourcePostGIS    SourceType = "postgis"
)

type Source struct {
	Type SourceType `mapstructure:"type" validate:"oneof=geopackage postgis"`
	Path string     `mapstructure:"path" validate:"required_if=Type geopackage"`
	URL  string     `mapstructure:"url" validate:"required_if=Type postgis"`
}

type CollectionConfig struct {
	ID             string                `mapstructure:"id" validate:"required"`
	Table          string                `mapstructure:"table"`
	GeometryColumn string                `mapstructure:"geometryColumn"`
	IDColumn       string                `mapstructure:"idColumn"`
	Extent         *Extent               `mapstructure:"extent"`
	Tiles          CollectionTilesConfig `mapstructure:"tiles"`
}

type Extent struct {
	BBox []float64 `mapstructure:"bbox" validate:"len=4"`
	CRS  string    `mapstructure:"crs" default:"OGC:CRS84"`
}

type CollectionTilesConfig struct {
	Enabled        *bool                    `mapstructure:"enabled" default:"true"`
	ZoomLevels     map[string]tiling.MinMax `mapstructure:"zoomLevels" validate:"omitempty,dive"`
	Seeding        map[string]tiling.MinMax `mapstructure:"seeding" validate:"omitempty,dive"`
	SeedingEnabled bool                     `mapstructure:"seedingEnabled"`

	// Deprecated: use ZoomLevels, applies to WebMercatorQuad
	MinZoom *int `mapstructure:"minZoom"`
	// Deprecated: use ZoomLevels, applies to WebMercatorQuad
	MaxZoom *int `mapstructure:"maxZoom"`
	// Deprecated: use Seeding, applies to WebMercatorQuad
	SeedingMinZoom *int `mapstructure:"seedingMinZoom"`
	// Deprecated: use Seeding, applies to WebMercatorQuad
	SeedingMaxZoom *int `mapstructure:"seedingMaxZoom"`
}

// Load reads the configuration file at path. Environment variables prefixed with
// TEGEL_ override values from the file, e.g. TEGEL_SERVER_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
