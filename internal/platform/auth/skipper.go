package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication and tenant resolution.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// queryTokenPaths accept the bearer token in the access_token query
// parameter. Browsers cannot set headers on a WebSocket upgrade.
var queryTokenPaths = map[string]bool{
	"/ws": true,
}

// AuthSkipper returns true for requests whose route should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

func allowsQueryToken(path string) bool {
	return queryTokenPaths[path]
}
