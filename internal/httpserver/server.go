package httpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/CabbageLeon/KunPeng/internal/assistant"
	"github.com/CabbageLeon/KunPeng/internal/visitor"
	"github.com/CabbageLeon/KunPeng/internal/voiceprint"
	"github.com/CabbageLeon/KunPeng/internal/xfyun"
)

// FeatureService is the slice of the voiceprint client the API needs.
type FeatureService interface {
	CreateFeature(ctx context.Context, groupID, featureID, featureInfo string, pcm []byte) error
	DeleteFeature(ctx context.Context, groupID, featureID string) error
	QueryFeatureList(ctx context.Context, groupID string) ([]voiceprint.Feature, error)
}

// StateSource exposes the live assistant state to the API.
type StateSource interface {
	State() assistant.State
	SpeakerName() string
	Events() *assistant.Broker
}

// Config bundles the server dependencies.
type Config struct {
	GroupID   string
	Features  FeatureService
	Assistant StateSource
	Visitors  *visitor.Store
}

// Server is the observation and management surface: health, live state, an
// event stream, and voiceprint enrollment management.
type Server struct {
	cfg Config
	e   *echo.Echo
}

// New constructs the HTTP server with routes.
func New(cfg Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{cfg: cfg, e: e}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/api/state", s.handleState)
	e.GET("/api/events", s.handleEvents)
	e.GET("/api/features", s.handleListFeatures)
	e.POST("/api/features", s.handleCreateFeature)
	e.DELETE("/api/features/:id", s.handleDeleteFeature)
	e.GET("/api/visitor", s.handleGetVisitor)
	e.PUT("/api/visitor", s.handleSetVisitor)
	e.DELETE("/api/visitor", s.handleClearVisitor)

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

// Start serves until Shutdown.
func (s *Server) Start(addr string) error {
	return s.e.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

type stateResponse struct {
	State   string `json:"state"`
	Speaker string `json:"speaker,omitempty"`
}

func (s *Server) handleState(c echo.Context) error {
	return c.JSON(http.StatusOK, stateResponse{
		State:   s.cfg.Assistant.State().String(),
		Speaker: s.cfg.Assistant.SpeakerName(),
	})
}

// handleEvents streams assistant events as server-sent events until the
// client goes away.
func (s *Server) handleEvents(c echo.Context) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	events, cancel := s.cfg.Assistant.Events().Subscribe()
	defer cancel()

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, payload); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

func (s *Server) handleListFeatures(c echo.Context) error {
	features, err := s.cfg.Features.QueryFeatureList(c.Request().Context(), s.cfg.GroupID)
	if err != nil {
		return s.serviceError(c, err)
	}
	if features == nil {
		features = []voiceprint.Feature{}
	}
	return c.JSON(http.StatusOK, features)
}

type createFeatureRequest struct {
	FeatureID   string `json:"featureId"`
	FeatureInfo string `json:"featureInfo"`
	// Audio is base64 PCM or WAV, 16kHz/16-bit mono.
	Audio string `json:"audio"`
}

func (s *Server) handleCreateFeature(c echo.Context) error {
	var req createFeatureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.FeatureID == "" || req.Audio == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "featureId and audio are required")
	}
	pcm, err := base64.StdEncoding.DecodeString(req.Audio)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "audio is not valid base64")
	}
	if err := s.cfg.Features.CreateFeature(c.Request().Context(), s.cfg.GroupID, req.FeatureID, req.FeatureInfo, pcm); err != nil {
		return s.serviceError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"featureId": req.FeatureID})
}

func (s *Server) handleDeleteFeature(c echo.Context) error {
	id := c.Param("id")
	if err := s.cfg.Features.DeleteFeature(c.Request().Context(), s.cfg.GroupID, id); err != nil {
		return s.serviceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGetVisitor(c echo.Context) error {
	if s.cfg.Visitors == nil {
		return c.JSON(http.StatusOK, map[string]string{"featureId": ""})
	}
	id, err := s.cfg.Visitors.Load()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"featureId": id})
}

func (s *Server) handleSetVisitor(c echo.Context) error {
	if s.cfg.Visitors == nil {
		return echo.NewHTTPError(http.StatusNotFound, "visitor persistence disabled")
	}
	var req struct {
		FeatureID string `json:"featureId"`
	}
	if err := c.Bind(&req); err != nil || req.FeatureID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "featureId is required")
	}
	if err := s.cfg.Visitors.Save(req.FeatureID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"featureId": req.FeatureID})
}

func (s *Server) handleClearVisitor(c echo.Context) error {
	if s.cfg.Visitors != nil {
		if err := s.cfg.Visitors.Clear(); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.NoContent(http.StatusNoContent)
}

// serviceError maps upstream failures to 502 so callers can tell them apart
// from local validation failures, which come back as 400.
func (s *Server) serviceError(c echo.Context, err error) error {
	if apiErr, ok := xfyun.IsAPIError(err); ok {
		return echo.NewHTTPError(http.StatusBadGateway, apiErr.Error())
	}
	if xfyun.IsNetworkError(err) {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
