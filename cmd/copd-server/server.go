package main

import (
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/copd/assessment/internal/config"
	"github.com/copd/assessment/internal/domain/assessment"
	"github.com/copd/assessment/internal/domain/files"
	"github.com/copd/assessment/internal/platform/filestore"
	"github.com/copd/assessment/internal/platform/layout"
	"github.com/copd/assessment/internal/platform/middleware"
	"github.com/copd/assessment/internal/platform/recordstore"
	"github.com/copd/assessment/internal/platform/validation"
)

const (
	serviceName    = "COPD Assessment API"
	serviceVersion = "2.0.0"
)

// newServer builds the echo instance with every route mounted. All storage
// goes through fsys rooted at cfg.DataRoot.
func newServer(cfg *config.Config, fsys afero.Fs, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	v := validation.New()
	assessment.RegisterRules(v)
	e.Validator = v

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(middleware.SecurityConfig{
		HSTS:         cfg.HSTS(),
		CacheControl: cfg.CacheControl,
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.UploadBodyLimit))

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  origins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderContentType, echo.HeaderAuthorization, middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
	}))

	l := layout.New(cfg.DataRoot)
	store := filestore.New(fsys, l, cfg.Limits())
	records := recordstore.NewWriter(fsys, l)

	api := e.Group(cfg.APIPrefix)
	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond = cfg.RateLimitRPS
	rl.BurstSize = cfg.RateLimitBurst
	api.Use(middleware.RateLimit(rl))

	assessmentSvc := assessment.NewService(v, records, store, logger)
	assessment.NewHandler(assessmentSvc).RegisterRoutes(api)

	filesSvc := files.NewService(store, v, cfg.DownloadBase(), logger)
	files.NewHandler(filesSvc).RegisterRoutes(api)

	endpoints := routeList(e, cfg.APIPrefix)

	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"name":      serviceName,
			"version":   serviceVersion,
			"prefix":    cfg.APIPrefix,
			"endpoints": endpoints,
		})
	})

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": serviceVersion,
		})
	})

	return e
}

// routeList returns "METHOD path" for every route under prefix, sorted by path.
func routeList(e *echo.Echo, prefix string) []string {
	routes := e.Routes()
	out := make([]string, 0, len(routes))
	for _, r := range routes {
		if r.Method == echo.RouteNotFound || !strings.HasPrefix(r.Path, prefix+"/") {
			continue
		}
		out = append(out, r.Method+" "+r.Path)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i][strings.IndexByte(out[i], ' ')+1:], out[j][strings.IndexByte(out[j], ' ')+1:]
		if pi != pj {
			return pi < pj
		}
		return out[i] < out[j]
	})
	return out
}
