package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/datarun/lmis/internal/mapping"
	"github.com/datarun/lmis/internal/model"
	"github.com/datarun/lmis/internal/service/contracts"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type ContractService interface {
	Create(ctx context.Context, name string, definition json.RawMessage) (*model.MappingContract, error)
	List(ctx context.Context) ([]model.MappingContract, error)
}

type createContractReq struct {
	Name       string          `json:"name" validate:"required"`
	Definition json.RawMessage `json:"definition" validate:"required"`
}

func createContractHandler(svc ContractService, lg *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createContractReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		if err := c.Validate(&req); err != nil {
			return c.JSON(http.StatusBadRequest, validationErrors(err))
		}

		mc, err := svc.Create(c.Request().Context(), req.Name, req.Definition)
		if err != nil {
			var me *mapping.Error
			switch {
			case errors.As(err, &me):
				return c.JSON(http.StatusUnprocessableEntity, map[string]string{
					"error":  "invalid_contract",
					"kind":   string(me.Kind),
					"field":  me.Field,
					"detail": me.Detail,
				})
			case errors.Is(err, contracts.ErrInvalidName):
				return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
			}
			lg.Error("create contract failed", zap.String("name", req.Name), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		return c.JSON(http.StatusCreated, mc)
	}
}

func listContractsHandler(svc ContractService, lg *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		list, err := svc.List(c.Request().Context())
		if err != nil {
			lg.Error("list contracts failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"count":   len(list),
			"results": list,
		})
	}
}
