package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/datarun/lmis/internal/model"
	"github.com/datarun/lmis/internal/repository"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func listLogsHandler(reports repository.LogsReader, lg *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := 50
		offset := 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		var outcome model.LogOutcome
		if raw := strings.ToUpper(strings.TrimSpace(c.QueryParam("outcome"))); raw != "" {
			outcome = model.LogOutcome(raw)
			if !outcome.Valid() {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid outcome"})
			}
		}

		entries, err := reports.List(c.Request().Context(), repository.LogFilter{
			InboxID: strings.TrimSpace(c.QueryParam("inbox_id")),
			Outcome: outcome,
			Limit:   limit,
			Offset:  offset,
		})
		if err != nil {
			lg.Error("list logs failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(entries),
			"results": entries,
		})
	}
}
