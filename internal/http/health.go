package http

import (
	"net/http"

	"github.com/datarun/lmis/internal/config"
	"github.com/labstack/echo/v4"
)

func healthHandler(app config.AppConfig) echo.HandlerFunc {
	name := app.Name
	if name == "" {
		name = "Datarun LMIS"
	}
	msg := name + " API is running"
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "message": msg})
	}
}
