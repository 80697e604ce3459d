package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// TimeoutConfig bounds request handling time. Skipper exempts long-lived
// requests such as the WebSocket upgrade.
type TimeoutConfig struct {
	Timeout time.Duration
	Skipper echomw.Skipper
	Logger  zerolog.Logger
}

// RequestTimeout puts a deadline on the request context and answers 504 if
// the handler has not returned by then. The handler keeps running until it
// observes the cancelled context.
func RequestTimeout(cfg TimeoutConfig) echo.MiddlewareFunc {
	if cfg.Skipper == nil {
		cfg.Skipper = echomw.DefaultSkipper
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Timeout <= 0 || cfg.Skipper(c) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), cfg.Timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() != context.DeadlineExceeded {
					// client went away
					return ctx.Err()
				}
				rid, _ := c.Get("request_id").(string)
				cfg.Logger.Warn().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("path", c.Request().URL.Path).
					Dur("timeout", cfg.Timeout).
					Msg("request timed out")
				if c.Response().Committed {
					return nil
				}
				return c.JSON(http.StatusGatewayTimeout, map[string]string{
					"message": "request processing exceeded the allowed time limit",
				})
			}
		}
	}
}
