package records

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lattice-hq/lattice/pkg/apperror"
	"github.com/lattice-hq/lattice/pkg/logger"
)

// Handler exposes the record operations over HTTP.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler creates a records handler.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{
		svc: svc,
		log: log.With(logger.Scope("records.handler")),
	}
}

// HandleGet returns one record.
func (h *Handler) HandleGet(c echo.Context) error {
	view, err := h.svc.Get(
		c.Request().Context(),
		c.Param("type"),
		c.Param("code"),
		boolQuery(c, "richRelationships"),
	)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// HandleCreate creates a record from the request body.
func (h *Handler) HandleCreate(c echo.Context) error {
	body, err := bindBody(c)
	if err != nil {
		return err
	}

	view, err := h.svc.Create(
		c.Request().Context(),
		writeContext(c),
		c.Param("type"),
		c.Param("code"),
		body,
		writeOptions(c),
	)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, view)
}

// HandlePatch applies a partial update.
func (h *Handler) HandlePatch(c echo.Context) error {
	body, err := bindBody(c)
	if err != nil {
		return err
	}

	view, err := h.svc.Patch(
		c.Request().Context(),
		writeContext(c),
		c.Param("type"),
		c.Param("code"),
		body,
		writeOptions(c),
	)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// HandleDelete removes a record.
func (h *Handler) HandleDelete(c echo.Context) error {
	err := h.svc.Delete(
		c.Request().Context(),
		writeContext(c),
		c.Param("type"),
		c.Param("code"),
	)
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleAbsorb merges the absorbed record into the main one.
func (h *Handler) HandleAbsorb(c echo.Context) error {
	view, err := h.svc.Absorb(
		c.Request().Context(),
		writeContext(c),
		c.Param("type"),
		c.Param("code"),
		c.Param("absorbed"),
		boolQuery(c, "richRelationships"),
	)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func bindBody(c echo.Context) (map[string]any, error) {
	body := map[string]any{}
	if err := c.Bind(&body); err != nil {
		return nil, apperror.ErrInvalidRequest.WithMessage("request body must be a JSON object").WithInternal(err)
	}
	return body, nil
}

func writeContext(c echo.Context) WriteContext {
	requestID := c.Request().Header.Get(echo.HeaderXRequestID)
	if requestID == "" {
		requestID = c.Response().Header().Get(echo.HeaderXRequestID)
	}
	return WriteContext{
		RequestID:    requestID,
		ClientID:     c.Request().Header.Get("Client-ID"),
		ClientUserID: c.Request().Header.Get("Client-User-ID"),
		Timestamp:    time.Now().UTC(),
	}
}

func writeOptions(c echo.Context) WriteOptions {
	return WriteOptions{
		Action:       Action(c.QueryParam("relationshipAction")),
		Upsert:       boolQuery(c, "upsert"),
		LockFields:   listQuery(c, "lockFields"),
		UnlockFields: listQuery(c, "unlockFields"),
		IncludeRich:  boolQuery(c, "richRelationships"),
	}
}

func boolQuery(c echo.Context, name string) bool {
	return c.QueryParam(name) == "true"
}

func listQuery(c echo.Context, name string) []string {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
