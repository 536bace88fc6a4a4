// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aiku/wa-relay/pkg/bootstrap"
)

// API is the HTTP management surface over a Connector.
type API struct {
	connector *Connector
	log       zerolog.Logger
}

type addPhoneRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

type sendMessageRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	To          string `json:"to"`
	Message     string `json:"message"`
}

// Device is one entry of the registered devices listing.
type Device struct {
	PhoneNumber string `json:"phoneNumber"`
	IsConnected bool   `json:"isConnected"`
	State       string `json:"state"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// NewRouter builds the echo server for c. Metrics are served from gatherer
// when it is not nil.
func NewRouter(c *Connector, gatherer prometheus.Gatherer, log zerolog.Logger) *echo.Echo {
	api := &API{connector: c, log: log.With().Str("component", "api").Logger()}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			evt := api.log.Debug()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				evt = api.log.Warn().Err(v.Error)
			}
			evt.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("Handled request")
			return nil
		},
	}))
	cors := middleware.DefaultCORSConfig
	if origin := c.Config.API.FrontendURL; origin != "" {
		cors.AllowOrigins = []string{origin}
	}
	e.Use(middleware.CORSWithConfig(cors))

	e.POST("/add-phone", api.AddPhone)
	e.DELETE("/delete-phone/:phone", api.DeletePhone)
	e.GET("/get-qr/:phone", api.GetQR)
	e.GET("/get-registered-devices", api.GetRegisteredDevices)
	e.GET("/sessions/:phone", api.GetSession)
	e.POST("/send-message", api.SendMessage)
	e.GET("/health", api.Health)
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return e
}

// AddPhone registers a phone number and returns its first bootstrap code.
// POST /add-phone
func (a *API) AddPhone(c echo.Context) error {
	var req addPhoneRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid request body"})
	}
	if req.PhoneNumber == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: "Phone number is required"})
	}
	art, err := a.connector.Register(c.Request().Context(), req.PhoneNumber)
	if err != nil {
		return a.writeError(c, "Failed to start session", err)
	}
	if art == nil {
		return c.JSON(http.StatusOK, map[string]any{"message": "Already connected", "connected": true})
	}
	return c.JSON(http.StatusOK, artifactBody(art))
}

// DeletePhone logs a phone number out and forgets it.
// DELETE /delete-phone/:phone
func (a *API) DeletePhone(c echo.Context) error {
	if err := a.connector.Unregister(c.Request().Context(), c.Param("phone")); err != nil {
		return a.writeError(c, "Failed to delete session", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Deleted and logged out"})
}

// GetQR returns the latest bootstrap code of a session awaiting one.
// GET /get-qr/:phone
func (a *API) GetQR(c echo.Context) error {
	art, err := a.connector.BootstrapArtifact(c.Param("phone"))
	if err != nil {
		return a.writeError(c, "QR code not available", err)
	}
	return c.JSON(http.StatusOK, artifactBody(art))
}

// GetRegisteredDevices lists every session.
// GET /get-registered-devices
func (a *API) GetRegisteredDevices(c echo.Context) error {
	views := a.connector.List()
	devices := make([]Device, len(views))
	for i, v := range views {
		devices[i] = Device{PhoneNumber: v.Phone, IsConnected: v.Connected, State: v.State}
	}
	return c.JSON(http.StatusOK, devices)
}

// GetSession returns the full snapshot of one session.
// GET /sessions/:phone
func (a *API) GetSession(c echo.Context) error {
	view, err := a.connector.Get(c.Param("phone"))
	if err != nil {
		return a.writeError(c, "Phone not found", err)
	}
	return c.JSON(http.StatusOK, view)
}

// SendMessage sends a text message from a connected session.
// POST /send-message
func (a *API) SendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid request body"})
	}
	if req.PhoneNumber == "" || req.To == "" || req.Message == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: "phoneNumber, to, and message are required"})
	}
	if err := a.connector.Send(c.Request().Context(), req.PhoneNumber, req.To, req.Message); err != nil {
		return a.writeError(c, "Failed to send message", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Message sent successfully"})
}

// Health reports liveness.
// GET /health
func (a *API) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func artifactBody(art *bootstrap.Artifact) map[string]string {
	if art.Kind == bootstrap.KindPairingCode {
		return map[string]string{"pairingCode": art.Value, "kind": string(art.Kind)}
	}
	return map[string]string{"qr": art.Value, "kind": string(art.Kind)}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrAlreadyRegistered),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrInvalidRecipient):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoArtifact):
		return http.StatusNotFound
	case errors.Is(err, ErrBootstrapTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(c echo.Context, msg string, err error) error {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		a.log.Error().Err(err).Str("path", c.Path()).Msg(msg)
	}
	return c.JSON(code, errorResponse{Message: msg, Error: err.Error()})
}
