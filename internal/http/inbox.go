package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/datarun/lmis/internal/model"
	"github.com/datarun/lmis/internal/service/inbox"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type InboxService interface {
	Ingest(ctx context.Context, in inbox.IngestInput) (*model.InboxRecord, error)
	Get(ctx context.Context, id string) (*model.InboxRecord, error)
	Requeue(ctx context.Context, id string) (*model.InboxRecord, error)
	Logs(ctx context.Context, id string) ([]model.LogEntry, error)
	Counts(ctx context.Context) (map[model.InboxStatus]int64, error)
}

type ingestReq struct {
	Source          string          `json:"source" validate:"required,max=128"`
	ContractName    string          `json:"contract_name" validate:"required,max=128"`
	ContractVersion int             `json:"contract_version" validate:"gte=0"`
	Payload         json.RawMessage `json:"payload" validate:"required"`
}

func ingestHandler(svc InboxService, lg *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req ingestReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		if err := c.Validate(&req); err != nil {
			return c.JSON(http.StatusBadRequest, validationErrors(err))
		}

		rec, err := svc.Ingest(c.Request().Context(), inbox.IngestInput{
			Source:          req.Source,
			ContractName:    req.ContractName,
			ContractVersion: req.ContractVersion,
			Payload:         req.Payload,
		})
		if err != nil {
			return inboxError(c, lg, "ingest", err)
		}

		return c.JSON(http.StatusAccepted, map[string]any{
			"id":          rec.ID,
			"status":      rec.Status,
			"received_at": rec.ReceivedAt,
		})
	}
}

func getInboxHandler(svc InboxService, lg *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		rec, err := svc.Get(c.Request().Context(), strings.TrimSpace(c.Param("id")))
		if err != nil {
			return inboxError(c, lg, "get", err)
		}
		return c.JSON(http.StatusOK, rec)
	}
}

func requeueHandler(svc InboxService, lg *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		rec, err := svc.Requeue(c.Request().Context(), strings.TrimSpace(c.Param("id")))
		if err != nil {
			return inboxError(c, lg, "requeue", err)
		}
		return c.JSON(http.StatusAccepted, rec)
	}
}

func inboxLogsHandler(svc InboxService, lg *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := strings.TrimSpace(c.Param("id"))
		entries, err := svc.Logs(c.Request().Context(), id)
		if err != nil {
			return inboxError(c, lg, "logs", err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"inbox_id": id,
			"count":    len(entries),
			"results":  entries,
		})
	}
}

// inboxStatsHandler reports the queue depth per status; statuses with no records are 0.
func inboxStatsHandler(svc InboxService, lg *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		counts, err := svc.Counts(c.Request().Context())
		if err != nil {
			return inboxError(c, lg, "stats", err)
		}

		out := map[model.InboxStatus]int64{
			model.StatusReceived:   0,
			model.StatusProcessing: 0,
			model.StatusSent:       0,
			model.StatusFailed:     0,
		}
		var total int64
		for st, n := range counts {
			out[st] = n
			total += n
		}
		return c.JSON(http.StatusOK, map[string]any{"total": total, "by_status": out})
	}
}

func inboxError(c echo.Context, lg *zap.Logger, op string, err error) error {
	switch {
	case errors.Is(err, inbox.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, inbox.ErrContractNotFound):
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, inbox.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, inbox.ErrNotRequeueable):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	lg.Error("inbox "+op+" failed", zap.Error(err))
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
}
