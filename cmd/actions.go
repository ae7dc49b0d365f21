package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/david-kiko/data/kb"

	"github.com/labstack/echo/v4"
)

const ndjsonContentType = "application/x-ndjson"

type Dependencies struct {
	AppMetrics  kb.AppMetrics
	Search      func(context.Context, string, kb.RetrieveOptions) ([]kb.Candidate, error)
	Rebuild     func(context.Context) (*kb.BuildReport, error)
	LatestBuild func(context.Context) (*kb.ManifestDocument, error)
	Builds      func(context.Context, int) ([]kb.BuildManifest, error)
	ListPaths   func(ctx context.Context, table string, page, pageSize int) (*kb.PathPage, error)
	Logger      *slog.Logger
}

type searchRequest struct {
	Query       string `json:"query"`
	TopK        int    `json:"top_k"`
	TableFilter string `json:"table_filter"`
	PathFilter  string `json:"path_filter"`
}

func (r searchRequest) options() kb.RetrieveOptions {
	return kb.RetrieveOptions{
		TopK:        r.TopK,
		TableFilter: strings.TrimSpace(r.TableFilter),
		PathFilter:  strings.TrimSpace(r.PathFilter),
	}
}

func Register(e *echo.Echo, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.AppMetrics
	if metrics == nil {
		metrics = kb.NoopAppMetrics{}
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	})
	e.GET("/metrics/app", func(c echo.Context) error {
		return c.JSON(http.StatusOK, metrics.Snapshot())
	})

	// GET streams one JSON object per line so clients can render results as
	// they arrive; POST returns a single document.
	e.GET("/search", func(c echo.Context) error {
		if deps.Search == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "pipeline unavailable"})
		}
		req := searchRequest{
			Query:       c.QueryParam("query"),
			TableFilter: c.QueryParam("table_filter"),
			PathFilter:  c.QueryParam("path_filter"),
		}
		if raw := strings.TrimSpace(c.QueryParam("top_k")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return c.JSON(http.StatusBadRequest, map[string]any{"error": "top_k must be a non-negative integer"})
			}
			req.TopK = n
		}
		results, err := runSearch(c, deps, logger, req)
		if err != nil {
			return err
		}
		if results == nil {
			return nil
		}

		res := c.Response()
		res.Header().Set(echo.HeaderContentType, ndjsonContentType)
		res.WriteHeader(http.StatusOK)
		enc := json.NewEncoder(res)
		for _, candidate := range results {
			if err := enc.Encode(candidate); err != nil {
				logger.WarnContext(c.Request().Context(), "search stream interrupted", "error", err)
				return nil
			}
			res.Flush()
		}
		return nil
	})

	e.POST("/search", func(c echo.Context) error {
		if deps.Search == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "pipeline unavailable"})
		}
		var req searchRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}
		if req.TopK < 0 {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "top_k must be a non-negative integer"})
		}
		results, err := runSearch(c, deps, logger, req)
		if err != nil {
			return err
		}
		if results == nil {
			return nil
		}
		return c.JSON(http.StatusOK, map[string]any{"results": results})
	})

	e.POST("/rebuild", func(c echo.Context) error {
		if deps.Rebuild == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "pipeline unavailable"})
		}
		report, err := deps.Rebuild(c.Request().Context())
		if err != nil {
			logger.ErrorContext(c.Request().Context(), "rebuild failed", "error", err)
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, report)
	})

	e.GET("/builds/latest", func(c echo.Context) error {
		if deps.LatestBuild == nil {
			return c.JSON(http.StatusNotFound, map[string]any{"error": kb.ErrManifestNotFound.Error()})
		}
		doc, err := deps.LatestBuild(c.Request().Context())
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, doc)
	})

	e.GET("/builds", func(c echo.Context) error {
		limit := 0
		if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return c.JSON(http.StatusBadRequest, map[string]any{"error": "limit must be a non-negative integer"})
			}
			limit = n
		}
		builds := []kb.BuildManifest{}
		if deps.Builds != nil {
			var err error
			if builds, err = deps.Builds(c.Request().Context(), limit); err != nil {
				return WriteError(c, err)
			}
		}
		return c.JSON(http.StatusOK, map[string]any{"builds": builds})
	})

	e.GET("/paths", func(c echo.Context) error {
		if deps.ListPaths == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "pipeline unavailable"})
		}
		page, ok := intParam(c, "page", 1, 1, 0)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "page must be a positive integer"})
		}
		pageSize, ok := intParam(c, "page_size", kb.DefaultPathPageSize, 1, kb.MaxPathPageSize)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "page_size must be between 1 and 100"})
		}
		out, err := deps.ListPaths(c.Request().Context(), strings.TrimSpace(c.QueryParam("table")), page, pageSize)
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, out)
	})
}

// intParam reads an optional integer query parameter. A zero hi leaves the
// upper bound open.
func intParam(c echo.Context, name string, fallback, lo, hi int) (int, bool) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || (hi > 0 && n > hi) {
		return 0, false
	}
	return n, true
}

// runSearch validates req and runs the query. A nil slice with a nil error
// means the error response has already been written.
func runSearch(c echo.Context, deps Dependencies, logger *slog.Logger, req searchRequest) ([]kb.Candidate, error) {
	ctx := c.Request().Context()
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, c.JSON(http.StatusBadRequest, map[string]any{"error": "query is required"})
	}

	results, err := deps.Search(ctx, query, req.options())
	if err != nil {
		logger.ErrorContext(ctx, "search failed", "query", truncateForLog(query), "error", err)
		return nil, WriteError(c, err)
	}
	logger.InfoContext(ctx, "search completed",
		"query", truncateForLog(query),
		"top_k", req.TopK,
		"table_filter", req.TableFilter,
		"path_filter", req.PathFilter,
		"result_count", len(results),
	)
	if results == nil {
		results = []kb.Candidate{}
	}
	return results, nil
}

func truncateForLog(s string) string {
	if runes := []rune(s); len(runes) > 100 {
		return string(runes[:100])
	}
	return s
}

// WriteError maps pipeline errors to HTTP status codes.
func WriteError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, kb.ErrRebuildLeaseConflict):
		status = http.StatusConflict
	case errors.Is(err, kb.ErrManifestNotFound),
		errors.Is(err, kb.ErrCollectionNotFound),
		errors.Is(err, kb.ErrNodeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, kb.ErrCollectionNotLoaded),
		errors.Is(err, kb.ErrPipelineUninitialized):
		c.Response().Header().Set("Retry-After", "1")
		status = http.StatusServiceUnavailable
	case errors.Is(err, kb.ErrRemoteTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, kb.ErrQueryEmbedding):
		status = http.StatusBadGateway
	}
	return c.JSON(status, map[string]any{"error": err.Error()})
}
