package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/scanlytics/scanlytics/internal/platform/middleware"
)

// HandlerFunc answers one command. Returning an error sends a rejection to
// the caller; use Rejection to control the message exactly.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Router is the HTTP side of the boundary: it exposes registered command
// handlers on POST /invoke/:command. It backs the development fixture server
// and the client tests.
type Router struct {
	e        *echo.Echo
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRouter builds a Router with request-id, logging and panic recovery
// middleware. bodyLimit caps request payloads (<= 0 disables the cap).
func NewRouter(logger zerolog.Logger, bodyLimit int64) *Router {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit(bodyLimit))

	r := &Router{e: e, handlers: make(map[string]HandlerFunc)}
	e.POST("/invoke/:command", r.invoke)
	e.GET("/commands", r.listCommands)
	return r
}

// Handle registers h for command, replacing any previous handler.
func (r *Router) Handle(command string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[command] = h
}

// Commands lists the registered command names in sorted order.
func (r *Router) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Echo exposes the underlying echo instance so callers can mount extra
// routes (metrics, health).
func (r *Router) Echo() *echo.Echo { return r.e }

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.e.ServeHTTP(w, req)
}

func (r *Router) invoke(c echo.Context) error {
	command := c.Param("command")
	r.mu.RLock()
	h, ok := r.handlers[command]
	r.mu.RUnlock()
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown command: " + command})
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
	}

	result, err := h(c.Request().Context(), json.RawMessage(body))
	if err != nil {
		msg := err.Error()
		var gerr *Error
		if errors.As(err, &gerr) && gerr.Rejected {
			msg = gerr.Message
		}
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": msg})
	}

	if raw, ok := result.(json.RawMessage); ok {
		return c.JSONBlob(http.StatusOK, raw)
	}
	return c.JSON(http.StatusOK, result)
}

func (r *Router) listCommands(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"commands": r.Commands()})
}
