// Package api serves mounted views over HTTP: JSON renders of their
// projections, an SSE stream of re-renders and optimistic mutations.
package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"prism-live/collection"
	"prism-live/fetch"
	"prism-live/live"
	"prism-live/transport"
)

const (
	sseDataPrefix  = "data: "
	maxItemBodyLen = 1 << 20
)

// Status reports the session behind the views.
type Status interface {
	Authenticated() bool
	TransportState() transport.State
}

type errorResponse struct {
	Message string `json:"message"`
}

type healthResponse struct {
	Authenticated bool     `json:"authenticated"`
	Transport     string   `json:"transport"`
	Views         []string `json:"views"`
}

// NewServer returns an Echo instance with the middleware stack and the
// view routes installed.
func NewServer(views *Registry, status Status, logger *log.Logger) *echo.Echo {
	if logger == nil {
		logger = log.StandardLogger()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderContentEncoding},
	}))
	e.Use(GzipRequestMiddleware())
	e.Use(RequestLogMiddleware(logger))
	Register(e, views, status)
	return e
}

// Register wires up the view routes on the given Echo instance.
func Register(e *echo.Echo, views *Registry, status Status) {
	e.GET("/healthz", healthz(views, status))
	e.GET("/views", listViews(views))
	e.GET("/views/:name", getView(views))
	e.GET("/views/:name/stream", streamView(views))
	e.POST("/views/:name/more", loadMore(views))
	e.POST("/views/:name/reload", reload(views))
	e.POST("/views/:name/items", createItem(views))
	e.PATCH("/views/:name/items/:id", updateItem(views))
	e.DELETE("/views/:name/items/:id", deleteItem(views))
}

func healthz(views *Registry, status Status) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := healthResponse{Transport: transport.Disconnected.String(), Views: views.Names()}
		if status != nil {
			resp.Authenticated = status.Authenticated()
			resp.Transport = status.TransportState().String()
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func listViews(views *Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, views.Names())
	}
}

func getView(views *Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		entry, err := views.lookup(c.Param("name"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, entry.view.Render(c.QueryParam("q")))
	}
}

// streamView writes the projection once and again after every change of
// the view until the client goes away or the view is removed.
func streamView(views *Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		entry, err := views.lookup(c.Param("name"))
		if err != nil {
			return writeError(c, err)
		}
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		ctx := c.Request().Context()
		text := c.QueryParam("q")
		ch := entry.broker.subscribe()
		defer entry.broker.unsubscribe(ch)
		for {
			data, err := sonic.Marshal(entry.view.Render(text))
			if err != nil {
				return err
			}
			if _, err := c.Response().Write([]byte(sseDataPrefix)); err != nil {
				return err
			}
			if _, err := c.Response().Write(data); err != nil {
				return err
			}
			if _, err := c.Response().Write([]byte("\n\n")); err != nil {
				return err
			}
			flusher.Flush()
			select {
			case <-ctx.Done():
				return nil
			case _, open := <-ch:
				if !open {
					return nil
				}
			}
		}
	}
}

func loadMore(views *Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		entry, err := views.lookup(c.Param("name"))
		if err != nil {
			return writeError(c, err)
		}
		if err := entry.view.LoadMore(c.Request().Context()); err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, entry.view.Render(c.QueryParam("q")))
	}
}

func reload(views *Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		entry, err := views.lookup(c.Param("name"))
		if err != nil {
			return writeError(c, err)
		}
		if err := entry.view.Reload(c.Request().Context()); err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, entry.view.Render(c.QueryParam("q")))
	}
}

func createItem(views *Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		entry, err := views.lookup(c.Param("name"))
		if err != nil {
			return writeError(c, err)
		}
		raw, err := readBody(c)
		if err != nil {
			return writeError(c, err)
		}
		item, err := entry.view.Create(raw)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusAccepted, item)
	}
}

func updateItem(views *Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		entry, err := views.lookup(c.Param("name"))
		if err != nil {
			return writeError(c, err)
		}
		raw, err := readBody(c)
		if err != nil {
			return writeError(c, err)
		}
		item, err := entry.view.Update(c.Param("id"), raw)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusAccepted, item)
	}
}

func deleteItem(views *Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		entry, err := views.lookup(c.Param("name"))
		if err != nil {
			return writeError(c, err)
		}
		if err := entry.view.Delete(c.Param("id")); err != nil {
			return writeError(c, err)
		}
		return c.NoContent(http.StatusAccepted)
	}
}

func readBody(c echo.Context) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxItemBodyLen))
	if err != nil {
		return nil, errBadItem
	}
	return raw, nil
}

func writeError(c echo.Context, err error) error {
	status, message := errorStatus(err)
	if status >= http.StatusInternalServerError {
		c.Logger().Error(err)
	}
	return c.JSON(status, errorResponse{Message: message})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errUnknownView), errors.Is(err, errNotLoaded):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, errBadItem):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, live.ErrReadOnly):
		return http.StatusMethodNotAllowed, err.Error()
	case errors.Is(err, live.ErrClosed), errors.Is(err, collection.ErrClosed):
		return http.StatusGone, err.Error()
	case errors.Is(err, live.ErrBusy):
		return http.StatusServiceUnavailable, err.Error()
	}
	var fe *fetch.Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case fetch.KindAuthExpired:
			return http.StatusUnauthorized, fe.Message
		case fetch.KindValidation:
			return http.StatusBadRequest, fe.Message
		case fetch.KindNotFound:
			return http.StatusNotFound, fe.Message
		case fetch.KindServer:
			return http.StatusBadGateway, fe.Message
		case fetch.KindNetwork:
			return http.StatusServiceUnavailable, fe.Message
		}
	}
	return http.StatusInternalServerError, err.Error()
}
