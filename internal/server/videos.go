package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cliplens/cliplens/internal/agent/core"
	"github.com/cliplens/cliplens/internal/store"
)

// VideosHandler exposes analysis runs and stored reports.
type VideosHandler struct {
	Store *store.Store
	Orch  *core.Orchestrator
}

func (h *VideosHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("/:id/analyze", h.analyze)
	g.GET("/:id/report", h.report)
	g.GET("/:id", h.get)
}

type analyzeRequest struct {
	MaxCandidates     int  `json:"max_candidates,omitempty"`
	FallbackToClassic bool `json:"fallback_to_classic"`
}

func (h *VideosHandler) analyze(c echo.Context) error {
	videoID := c.Param("id")
	req := analyzeRequest{FallbackToClassic: true}
	if err := c.Bind(&req); err != nil && !errors.Is(err, echo.ErrUnsupportedMediaType) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	res := h.Orch.ExecuteAgenticFlow(c.Request().Context(), videoID, core.Options{
		MaxCandidates:     req.MaxCandidates,
		FallbackToClassic: req.FallbackToClassic,
	})
	if !res.Success {
		return c.JSON(http.StatusBadGateway, res)
	}

	payload, err := json.Marshal(res.Report)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if _, err := h.Store.SaveReport(c.Request().Context(), videoID, res.Mode, res.Report.Confidence, payload); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *VideosHandler) report(c echo.Context) error {
	r, err := h.Store.GetLatestReport(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no report for this video")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":         r.ID,
		"video_id":   r.VideoID,
		"mode":       r.Mode,
		"confidence": r.Confidence,
		"report":     json.RawMessage(r.Payload),
		"created_at": r.CreatedAt,
	})
}

func (h *VideosHandler) get(c echo.Context) error {
	v, err := h.Store.GetVideo(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "video not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, v)
}
