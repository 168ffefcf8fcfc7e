package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/go-spatial/geom"
	"github.com/iancoleman/strcase"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pdok/tegel/config"
	"github.com/pdok/tegel/crs"
	"github.com/pdok/tegel/logging"
	"github.com/pdok/tegel/seeding"
	"github.com/pdok/tegel/server"
	"github.com/pdok/tegel/tilecache"
	"github.com/pdok/tegel/tilegen"
	"github.com/pdok/tegel/tiles"
	"github.com/pdok/tegel/tiling"
	"github.com/pdok/tegel/tms20"
)

const CONFIG string = `config`
const API string = `api`
const COLLECTION string = `collection`
const TILEMATRIXSET string = `tilematrixset`
const BBOX string = `bbox`
const BBOXCRS string = `bbox-crs`

func main() {
	app := cli.NewApp()
	app.Name = "tegel"
	app.Usage = "Generates, seeds and serves vector tile pyramids"
	app.Version = versioninfo.Short()

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:     CONFIG,
			Aliases:  []string{"c"},
			Usage:    "Path to the configuration file",
			Required: true,
			EnvVars:  []string{strcase.ToScreamingSnake("tegel_" + CONFIG)},
		},
	}
	apiFlag := &cli.StringFlag{
		Name:    API,
		Aliases: []string{"a"},
		Usage:   "ID of the api, all apis when absent",
		EnvVars: []string{strcase.ToScreamingSnake("tegel_" + API)},
	}

	app.Commands = []*cli.Command{
		{
			Name:   "serve",
			Usage:  "Serve tiles over HTTP, seeding on startup when configured",
			Action: serve,
		},
		{
			Name:   "seed",
			Usage:  "Seed the tile cache and wait for it to finish",
			Flags:  []cli.Flag{apiFlag},
			Action: seed,
		},
		{
			Name:  "purge",
			Usage: "Delete cached tiles by collection, tile matrix set and/or bounding box",
			Flags: []cli.Flag{
				apiFlag,
				&cli.StringFlag{
					Name:    COLLECTION,
					Usage:   "Only tiles of this collection",
					EnvVars: []string{strcase.ToScreamingSnake("tegel_" + COLLECTION)},
				},
				&cli.StringFlag{
					Name:    TILEMATRIXSET,
					Aliases: []string{"tms"},
					Usage:   "Only tiles of this tile matrix set. E.g.: WebMercatorQuad",
					EnvVars: []string{strcase.ToScreamingSnake("tegel_" + TILEMATRIXSET)},
				},
				&cli.StringFlag{
					Name:    BBOX,
					Usage:   "Only tiles that intersect minx,miny,maxx,maxy",
					EnvVars: []string{strcase.ToScreamingSnake("tegel_" + BBOX)},
				},
				&cli.StringFlag{
					Name:    BBOXCRS,
					Usage:   "CRS of the bbox",
					Value:   string(crs.CRS84),
					EnvVars: []string{strcase.ToScreamingSnake("tegel_" + BBOXCRS)},
				},
			},
			Action: purge,
		},
		{
			Name:      "tilematrixsets",
			Usage:     "Print the tile matrix sets, or the document of one",
			ArgsUsage: "[id]",
			Action:    printTileMatrixSets,
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// engine holds everything built from the configuration.
type engine struct {
	cfg       *config.Resolved
	log       *zap.Logger
	registry  *tiling.Registry
	resolver  *tiling.LimitsResolver
	providers map[string]*tiles.Provider
	closers   []func() error
}

func setup(c *cli.Context) (*engine, error) {
	raw, err := config.Load(c.String(CONFIG))
	if err != nil {
		return nil, err
	}
	builder := tiling.NewRegistryBuilder()
	if err = tms20.Register(builder, raw.TileMatrixSets...); err != nil {
		return nil, err
	}
	registry := builder.Build()
	cfg, err := raw.Resolve(registry)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	transformer := crs.NewProjTransformer()
	e := &engine{
		cfg:       cfg,
		log:       logger,
		registry:  registry,
		resolver:  tiling.NewLimitsResolver(registry, transformer),
		providers: make(map[string]*tiles.Provider, len(cfg.APIs)),
	}
	for _, api := range cfg.APIs {
		if err = e.addProvider(c.Context, api, transformer); err != nil {
			return nil, multierr.Append(fmt.Errorf("api %s: %w", api.ID, err), e.Close())
		}
	}
	return e, nil
}

// addProvider opens the source and cache of api. Every api has a cache of its own.
func (e *engine) addProvider(ctx context.Context, api config.API, transformer crs.Transformer) error {
	source, err := tiles.OpenSource(ctx, api)
	if err != nil {
		return err
	}
	e.closers = append(e.closers, source.Close)

	backend, err := tilecache.NewBackend(ctx, tilecache.Options{
		Type:           tilecache.Type(e.cfg.Cache.Type),
		Dir:            filepath.Join(e.cfg.Cache.Dir, api.ID),
		MaxMemoryTiles: e.cfg.Cache.MaxMemoryTiles,
		RedisAddr:      e.cfg.Cache.Redis.Addr,
		RedisPrefix:    e.cfg.Cache.Redis.Prefix + ":" + api.ID,
		RedisTTL:       e.cfg.Cache.Redis.TTL,
	}, e.registry, transformer, e.log)
	if err != nil {
		return err
	}
	cache := tilecache.New(backend, e.resolver, tilecache.TemporaryOptions{
		TTL:     e.cfg.Cache.TemporaryTTL,
		MaxSize: e.cfg.Cache.TemporaryMaxSize,
	}, e.log.With(zap.String("api", api.ID)))
	e.closers = append(e.closers, cache.Close)

	generator := tilegen.NewGenerator(e.registry, transformer, source, tilegen.Options{
		Extent:            e.cfg.Tiles.Extent,
		Buffer:            e.cfg.Tiles.Buffer,
		SieveArea:         e.cfg.Tiles.SieveArea,
		SimplifyTolerance: 1,
	}, e.log)
	e.providers[api.ID] = tiles.NewProvider(api, e.registry, cache, generator, source, tiles.Options{
		DefaultLimit: e.cfg.Tiles.DefaultLimit,
		TileTimeout:  e.cfg.Seeding.TileTimeout,
	}, e.log)
	return nil
}

// apis returns the apis named by the api flag, or all of them.
func (e *engine) apis(c *cli.Context) ([]config.API, error) {
	if id := c.String(API); id != "" {
		api, ok := e.cfg.API(id)
		if !ok {
			return nil, fmt.Errorf("unknown api %s", id)
		}
		return []config.API{api}, nil
	}
	return e.cfg.APIs, nil
}

func (e *engine) Close() error {
	var err error
	for i := len(e.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, e.closers[i]())
	}
	if e.log != nil {
		_ = e.log.Sync()
	}
	return err
}

func serve(c *cli.Context) (err error) {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, e.Close()) }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := seeding.NewScheduler(e.providers, e.resolver, e.cfg.Seeding, e.log)
	defer scheduler.CancelAll()
	if e.cfg.Seeding.RunOnStartup == nil || *e.cfg.Seeding.RunOnStartup {
		for _, api := range e.cfg.APIs {
			if _, err = scheduler.Start(ctx, api); err != nil {
				return err
			}
		}
	}

	srv := server.New(e.providers, e.registry, scheduler, e.log)
	errs := make(chan error, 1)
	go func() {
		errs <- srv.Start(":" + strconv.Itoa(e.cfg.Server.Port))
	}()
	select {
	case err = <-errs:
		return err
	case <-ctx.Done():
	}
	e.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func seed(c *cli.Context) (err error) {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, e.Close()) }()
	apis, err := e.apis(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	scheduler := seeding.NewScheduler(e.providers, e.resolver, e.cfg.Seeding, e.log)
	for _, api := range apis {
		run, err := scheduler.Start(ctx, api)
		if err != nil {
			return err
		}
		report := followRun(run)
		if report.State == seeding.Cancelled {
			return errors.New("seeding cancelled")
		}
		if report.State == seeding.PartiallyFailed {
			e.log.Warn("seeding partially failed", zap.String("api", api.ID), zap.Error(report.Err()))
		}
	}
	return nil
}

// followRun renders the progress of run until it finishes.
func followRun(run *seeding.Run) seeding.Report {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("[tiles] "+run.API()),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	update := func() {
		status := run.Status()
		if status.Planned > 0 {
			bar.ChangeMax(status.Planned)
		}
		_ = bar.Set(status.Done())
	}
	for {
		select {
		case <-run.Done():
			update()
			_ = bar.Finish()
			fmt.Fprintln(os.Stderr)
			return run.Wait()
		case <-ticker.C:
			update()
		}
	}
}

func purge(c *cli.Context) (err error) {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, e.Close()) }()
	apis, err := e.apis(c)
	if err != nil {
		return err
	}

	criteria := tilecache.Criteria{Collection: c.String(COLLECTION), Scheme: c.String(TILEMATRIXSET)}
	if criteria.Scheme != "" {
		if _, err = e.registry.Get(criteria.Scheme); err != nil {
			return err
		}
	}
	if c.String(BBOX) != "" {
		box, err := parseBBox(c.String(BBOX), c.String(BBOXCRS))
		if err != nil {
			return err
		}
		criteria.BBox = &box
	}
	for _, api := range apis {
		if criteria.Collection != "" {
			if _, err = api.Collection(criteria.Collection); err != nil {
				continue
			}
		}
		n, err := e.providers[api.ID].Cache().DeleteWhere(c.Context, criteria)
		if err != nil {
			return fmt.Errorf("api %s: %w", api.ID, err)
		}
		e.log.Info("tiles purged", zap.String("api", api.ID), zap.Int("count", n))
	}
	return nil
}

func parseBBox(s, crsString string) (tiling.BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return tiling.BoundingBox{}, fmt.Errorf("bbox needs 4 numbers, got %q", s)
	}
	var extent geom.Extent
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return tiling.BoundingBox{}, fmt.Errorf("invalid bbox %q: %w", s, err)
		}
		extent[i] = v
	}
	code, err := crs.Parse(crsString)
	if err != nil {
		return tiling.BoundingBox{}, err
	}
	return tiling.BoundingBox{Extent: extent, CRS: code}, nil
}

func printTileMatrixSets(c *cli.Context) error {
	raw, err := config.Load(c.String(CONFIG))
	if err != nil {
		return err
	}
	builder := tiling.NewRegistryBuilder()
	if err = tms20.Register(builder, raw.TileMatrixSets...); err != nil {
		return err
	}
	registry := builder.Build()

	if id := c.Args().First(); id != "" {
		scheme, err := registry.Get(id)
		if err != nil {
			return err
		}
		tms := tms20.FromScheme(scheme)
		out, err := json.MarshalIndent(&tms, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	for _, id := range registry.IDs() {
		scheme, _ := registry.Get(id)
		fmt.Printf("%s\t%s\t%d levels\n", id, scheme.CRS(), scheme.MaxLevel()+1)
	}
	return nil
}
