package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// HealthHandler answers every request with a plain "OK" so any probe path works.
type HealthHandler struct {
	logger *slog.Logger
}

func NewHealthHandler(log *slog.Logger) *HealthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &HealthHandler{logger: log.With(slog.String("handler", "health"))}
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.Any("/", h.Health)
	e.Any("/*", h.Health)
}

func (h *HealthHandler) Health(c echo.Context) error {
	if c.Request().Method == http.MethodHead {
		return c.NoContent(http.StatusOK)
	}
	return c.String(http.StatusOK, "OK")
}
