package controllers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/playdeck/fetchd/internal/app"
	"github.com/playdeck/fetchd/internal/domain"
	"github.com/playdeck/fetchd/internal/engine"
)

type DownloadsController struct {
	App    *app.Context
	Engine *engine.QueueManager
}

// Submit accepts a new download job and returns its id immediately; the
// transfer runs asynchronously.
func (ctrl *DownloadsController) Submit(c *echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "malformed request body"})
	}

	id, err := ctrl.Engine.Submit(req.SourceRef, domain.ParsePriority(req.Priority))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSourceRef) {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}

	return c.JSON(http.StatusCreated, SubmitResponse{ID: id})
}

func (ctrl *DownloadsController) List(c *echo.Context) error {
	return c.JSON(http.StatusOK, ctrl.Engine.List())
}

func (ctrl *DownloadsController) Get(c *echo.Context) error {
	snap, err := ctrl.Engine.Get(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown job id"})
	}
	return c.JSON(http.StatusOK, snap)
}

func (ctrl *DownloadsController) Pause(c *echo.Context) error {
	return ctrl.control(c, ctrl.Engine.Pause)
}

func (ctrl *DownloadsController) Resume(c *echo.Context) error {
	return ctrl.control(c, ctrl.Engine.Resume)
}

func (ctrl *DownloadsController) Cancel(c *echo.Context) error {
	return ctrl.control(c, ctrl.Engine.Cancel)
}

func (ctrl *DownloadsController) Retry(c *echo.Context) error {
	return ctrl.control(c, ctrl.Engine.Retry)
}

// control wraps the idempotent per-job operations: success is 204, an
// unknown id is 404.
func (ctrl *DownloadsController) control(c *echo.Context, op func(string) error) error {
	if err := op(c.Param("id")); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown job id"})
		}
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (ctrl *DownloadsController) PauseAll(c *echo.Context) error {
	ctrl.Engine.PauseAll()
	return c.NoContent(http.StatusNoContent)
}

func (ctrl *DownloadsController) ResumeAll(c *echo.Context) error {
	ctrl.Engine.ResumeAll()
	return c.NoContent(http.StatusNoContent)
}

// Events streams rate-limited progress events as server-sent events until
// the client disconnects. Terminal transitions are never dropped.
func (ctrl *DownloadsController) Events(c *echo.Context) error {
	events, cancel := ctrl.Engine.Reporter().Subscribe(64)
	defer cancel()

	res := c.Response()
	flusher, ok := res.(http.Flusher)
	if !ok {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "streaming unsupported"})
	}

	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(res, "data: %s\n\n", payload); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
