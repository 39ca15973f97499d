// Package control exposes the orchestrator to operators over HTTP.
package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"hotel-price-watch/internal/model"
	"hotel-price-watch/internal/monitor"
	"hotel-price-watch/internal/pricesource"
	"hotel-price-watch/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Controller is the part of the orchestrator the control surface drives.
type Controller interface {
	Status() monitor.Status
	Pause()
	Resume()
	Restart() error
	TriggerCycle() error
	CheckTarget(ctx context.Context, target model.Target) (monitor.TargetResult, error)
}

// Server is the operator HTTP endpoint.
type Server struct {
	echo   *echo.Echo
	ctl    Controller
	logger zerolog.Logger
}

// New registers the control routes. A nil gatherer disables /metrics.
func New(ctl Controller, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	s := &Server{
		echo:   echo.New(),
		ctl:    ctl,
		logger: logger.With().Str("component", "control").Logger(),
	}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))

	e.GET("/healthz", s.healthz)
	e.GET("/status", s.status)
	e.POST("/scheduler/stop", s.stop)
	e.POST("/scheduler/start", s.start)
	e.POST("/scheduler/restart", s.restart)
	e.POST("/cycles", s.triggerCycle)
	e.POST("/checks", s.check)
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
			ErrorHandling: promhttp.HTTPErrorOnError,
		})))
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("control server listening")
		errCh <- s.echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info().Msg("control server stopped")
	return nil
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version.String()})
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, s.ctl.Status())
}

func (s *Server) stop(c echo.Context) error {
	s.ctl.Pause()
	return c.JSON(http.StatusOK, s.ctl.Status())
}

func (s *Server) start(c echo.Context) error {
	s.ctl.Resume()
	return c.JSON(http.StatusOK, s.ctl.Status())
}

func (s *Server) restart(c echo.Context) error {
	// the scheduler is resumed even when the immediate cycle is skipped
	if err := s.ctl.Restart(); err != nil {
		return triggerError(err)
	}
	return c.JSON(http.StatusAccepted, s.ctl.Status())
}

func (s *Server) triggerCycle(c echo.Context) error {
	if err := s.ctl.TriggerCycle(); err != nil {
		return triggerError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "started"})
}

type checkRequest struct {
	HotelID   string `json:"hotel_id"`
	CheckIn   string `json:"check_in"`
	CheckOut  string `json:"check_out"`
	Occupancy int    `json:"occupancy"`
}

type checkResponse struct {
	Target         string                 `json:"target"`
	Price          string                 `json:"price,omitempty"`
	OriginalPrice  string                 `json:"original_price,omitempty"`
	Status         model.Availability     `json:"status,omitempty"`
	RemainingRooms *int                   `json:"remaining_rooms,omitempty"`
	ObservedAt     *time.Time             `json:"observed_at,omitempty"`
	Inserted       bool                   `json:"inserted"`
	Changed        bool                   `json:"changed"`
	Transition     string                 `json:"transition,omitempty"`
	PriceDelta     string                 `json:"price_delta,omitempty"`
	PercentDelta   string                 `json:"percent_delta,omitempty"`
	Items          int                    `json:"items"`
	Alerts         []monitor.AlertOutcome `json:"alerts"`
}

func (s *Server) check(c echo.Context) error {
	var req checkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	target, err := model.NewTarget(req.HotelID, req.CheckIn, req.CheckOut, req.Occupancy)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	res, err := s.ctl.CheckTarget(c.Request().Context(), target)
	if err != nil && res.Observation == nil {
		var f *pricesource.Failure
		switch {
		case errors.Is(err, monitor.ErrStopping):
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		case errors.As(err, &f) && f.Permanent():
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		default:
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		}
	}

	out := checkResponse{Target: target.String(), Inserted: res.Inserted, Items: res.Items, Alerts: res.Alerts}
	if out.Alerts == nil {
		out.Alerts = []monitor.AlertOutcome{}
	}
	if obs := res.Observation; obs != nil {
		out.Price = obs.Price.String()
		if obs.OriginalPrice != nil {
			out.OriginalPrice = obs.OriginalPrice.String()
		}
		out.Status = obs.Status
		out.RemainingRooms = obs.RemainingRooms
		at := obs.ObservedAt
		out.ObservedAt = &at
	}
	if ch := res.Change; ch != nil {
		out.Changed = ch.HasChange
		out.Transition = string(ch.Transition)
		if ch.HasPrevious {
			out.PriceDelta = ch.PriceDelta.String()
			out.PercentDelta = ch.PercentDelta.String()
		}
	}

	code := http.StatusOK
	if err != nil {
		// observation fetched but evaluation failed part way
		code = http.StatusInternalServerError
		s.logger.Error().Err(err).Str("target", target.String()).Msg("manual check incomplete")
	}
	return c.JSON(code, out)
}

func triggerError(err error) error {
	switch {
	case errors.Is(err, monitor.ErrCycleInProgress):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, monitor.ErrStopping):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
