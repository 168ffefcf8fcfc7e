// Package server exposes the tiles of every api and the tiling schemes over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/pdok/tegel/config"
	"github.com/pdok/tegel/seeding"
	"github.com/pdok/tegel/tiles"
	"github.com/pdok/tegel/tiling"
	"github.com/pdok/tegel/tms20"
)

const (
	MediaTypeMVT = "application/vnd.mapbox-vector-tile"

	// ShutdownTimeout bounds a graceful shutdown
	ShutdownTimeout = 10 * time.Second

	filterPrefix = "filter."
)

var errBadRequest = errors.New("bad request")

// Server routes:
//
//	GET  /{api}/collections/{collection}/tiles/{tms}/{level}/{row}/{col}
//	GET  /{api}/tiles/{tms}/{level}/{row}/{col}
//	GET  /tileMatrixSets
//	GET  /tileMatrixSets/{tms}
//	GET  /seeding
//	POST /seeding/{api}
//	POST /cleanup
type Server struct {
	echo      *echo.Echo
	providers map[string]*tiles.Provider
	registry  *tiling.Registry
	scheduler *seeding.Scheduler
	log       *zap.Logger
}

// New returns a server for the apis of providers. Without a scheduler the seeding routes are absent.
func New(providers map[string]*tiles.Provider, registry *tiling.Registry, scheduler *seeding.Scheduler, log *zap.Logger) *Server {
	s := &Server{
		echo:      echo.New(),
		providers: providers,
		registry:  registry,
		scheduler: scheduler,
		log:       log,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))

	s.echo.GET("/tileMatrixSets", s.tileMatrixSets)
	s.echo.GET("/tileMatrixSets/:tms", s.tileMatrixSet)
	s.echo.GET("/:api/collections/:collection/tiles/:tms/:level/:row/:col", s.collectionTile)
	s.echo.GET("/:api/tiles/:tms/:level/:row/:col", s.datasetTile)
	s.echo.POST("/cleanup", s.cleanup)
	if scheduler != nil {
		s.echo.GET("/seeding", s.seedingRuns)
		s.echo.POST("/seeding/:api", s.startSeeding)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info("listening", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) collectionTile(c echo.Context) error {
	provider, addr, params, err := s.parseTileRequest(c)
	if err != nil {
		return s.fail(c, err)
	}
	addr.Collection = c.Param("collection")
	entry, err := provider.CollectionTile(c.Request().Context(), addr, params)
	if err != nil {
		return s.fail(c, err)
	}
	return writeTile(c, entry.Data, entry.Empty)
}

func (s *Server) datasetTile(c echo.Context) error {
	provider, addr, params, err := s.parseTileRequest(c)
	if err != nil {
		return s.fail(c, err)
	}
	entry, err := provider.DatasetTile(c.Request().Context(), addr, params)
	if err != nil {
		return s.fail(c, err)
	}
	return writeTile(c, entry.Data, entry.Empty)
}

// writeTile writes the gzipped payload as is. Empty tiles have no content.
func writeTile(c echo.Context, data []byte, empty bool) error {
	if empty {
		return c.NoContent(http.StatusNoContent)
	}
	c.Response().Header().Set(echo.HeaderContentEncoding, "gzip")
	return c.Blob(http.StatusOK, MediaTypeMVT, data)
}

func (s *Server) parseTileRequest(c echo.Context) (*tiles.Provider, tiling.Address, tiles.Params, error) {
	provider, ok := s.providers[c.Param("api")]
	if !ok {
		return nil, tiling.Address{}, tiles.Params{}, echo.NewHTTPError(http.StatusNotFound, "unknown api "+c.Param("api"))
	}
	addr := tiling.Address{Scheme: c.Param("tms")}
	var err error
	if addr.Level, err = tileOrdinate(c.Param("level")); err != nil {
		return nil, addr, tiles.Params{}, err
	}
	if addr.Row, err = tileOrdinate(c.Param("row")); err != nil {
		return nil, addr, tiles.Params{}, err
	}
	if addr.Col, err = tileOrdinate(strings.TrimSuffix(c.Param("col"), ".mvt")); err != nil {
		return nil, addr, tiles.Params{}, err
	}
	params, err := parseParams(c)
	return provider, addr, params, err
}

func tileOrdinate(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: invalid tile ordinate %s", errBadRequest, s)
	}
	return v, nil
}

// parseParams reads collections, properties (both comma separated), limit and filter.{property}.
func parseParams(c echo.Context) (tiles.Params, error) {
	var params tiles.Params
	for name, values := range c.QueryParams() {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		switch {
		case name == "collections":
			params.Collections = splitList(value)
		case name == "properties":
			params.Properties = splitList(value)
		case name == "limit":
			limit, err := strconv.Atoi(value)
			if err != nil || limit < 1 {
				return params, fmt.Errorf("%w: invalid limit %s", errBadRequest, value)
			}
			params.Limit = limit
		case strings.HasPrefix(name, filterPrefix):
			if params.Filter == nil {
				params.Filter = make(map[string]string)
			}
			params.Filter[strings.TrimPrefix(name, filterPrefix)] = value
		}
	}
	return params, nil
}

func splitList(s string) []string {
	var l []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			l = append(l, v)
		}
	}
	return l
}

type tileMatrixSetLink struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	URI   string `json:"uri,omitempty"`
}

func (s *Server) tileMatrixSets(c echo.Context) error {
	links := make([]tileMatrixSetLink, 0, len(s.registry.IDs()))
	for _, id := range s.registry.IDs() {
		scheme, err := s.registry.Get(id)
		if err != nil {
			return s.fail(c, err)
		}
		def := scheme.Definition()
		links = append(links, tileMatrixSetLink{ID: def.ID, Title: def.Title, URI: def.URI})
	}
	return c.JSON(http.StatusOK, echo.Map{"tileMatrixSets": links})
}

func (s *Server) tileMatrixSet(c echo.Context) error {
	scheme, err := s.registry.Get(c.Param("tms"))
	if err != nil {
		return s.fail(c, err)
	}
	tms := tms20.FromScheme(scheme)
	return c.JSON(http.StatusOK, &tms)
}

type runStatus struct {
	API           string `json:"api"`
	Run           string `json:"run"`
	State         string `json:"state"`
	Planned       int    `json:"planned"`
	Generated     int    `json:"generated"`
	Existing      int    `json:"existing"`
	Empty         int    `json:"empty"`
	Failed        int    `json:"failed"`
	SkippedLevels int    `json:"skippedLevels"`
}

func newRunStatus(r *seeding.Run) runStatus {
	st := r.Status()
	return runStatus{
		API:           r.API(),
		Run:           r.ID(),
		State:         st.State.String(),
		Planned:       st.Planned,
		Generated:     st.Generated,
		Existing:      st.Existing,
		Empty:         st.Empty,
		Failed:        st.Failed,
		SkippedLevels: st.SkippedLevels,
	}
}

func (s *Server) seedingRuns(c echo.Context) error {
	runs := s.scheduler.Runs()
	result := make([]runStatus, 0, len(runs))
	for _, r := range runs {
		result = append(result, newRunStatus(r))
	}
	return c.JSON(http.StatusOK, result)
}

// startSeeding starts a run that outlives the request.
func (s *Server) startSeeding(c echo.Context) error {
	provider, ok := s.providers[c.Param("api")]
	if !ok {
		return s.fail(c, echo.NewHTTPError(http.StatusNotFound, "unknown api "+c.Param("api")))
	}
	run, err := s.scheduler.Start(context.WithoutCancel(c.Request().Context()), provider.API())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, newRunStatus(run))
}

// cleanup removes the tiles of requests that may not be cached.
func (s *Server) cleanup(c echo.Context) error {
	removed := 0
	for _, p := range s.providers {
		n, err := p.Cache().Cleanup(c.Request().Context())
		if err != nil {
			return s.fail(c, err)
		}
		removed += n
	}
	return c.JSON(http.StatusOK, echo.Map{"removed": removed})
}

// fail maps err onto a status code. Unexpected errors are logged and not disclosed.
func (s *Server) fail(c echo.Context, err error) error {
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &httpErr):
		return c.JSON(httpErr.Code, echo.Map{"error": httpErr.Message})
	case errors.Is(err, errBadRequest):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, tiling.ErrNotFound), errors.Is(err, config.ErrUnknownCollection):
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		s.log.Warn("request timed out", zap.String("uri", c.Request().RequestURI), zap.Error(err))
		return c.JSON(http.StatusGatewayTimeout, echo.Map{"error": "timeout"})
	}
	s.log.Error("request failed", zap.String("uri", c.Request().RequestURI), zap.Error(err))
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
}
