package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
)

// JWTTenantKey is the echo context key the auth middleware stores the token's
// tenant claim under.
const JWTTenantKey = "jwt_tenant_id"

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// TenantMiddleware pins one pooled connection to the request and points its
// search_path at the tenant's schema. Monitoring repositories pick the
// connection up through ConnFromContext.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID, err := ResolveTenant(c, defaultTenant)
			if err != nil {
				return err
			}

			err = WithTenantConn(c.Request().Context(), pool, tenantID, func(ctx context.Context) error {
				c.SetRequest(c.Request().WithContext(ctx))
				c.Set("tenant_id", tenantID)
				return next(c)
			})
			if errors.Is(err, errTenantConn) {
				logger.Error().Err(err).Str("tenant_id", tenantID).Msg("tenant connection")
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			return err
		}
	}
}

var errTenantConn = errors.New("tenant connection")

// WithTenantConn runs fn with a pooled connection pinned in ctx whose
// search_path points at the tenant's schema. Background jobs use it to reach
// the same tables a request would.
func WithTenantConn(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(ctx context.Context) error) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquire: %v", errTenantConn, err)
	}
	defer func() {
		// The connection returns to the pool; do not leak the tenant schema.
		if _, err := conn.Exec(context.WithoutCancel(ctx), "RESET search_path"); err != nil {
			conn.Conn().Close(context.WithoutCancel(ctx))
		}
		conn.Release()
	}()

	schema := pgx.Identifier{SchemaFor(tenantID)}.Sanitize()
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema)); err != nil {
		return fmt.Errorf("%w: set search_path: %v", errTenantConn, err)
	}

	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return fn(ctx)
}

// ResolveTenant returns the request's tenant without pinning a connection.
// Realtime clients use it to pick the topics they may join.
func ResolveTenant(c echo.Context, defaultTenant string) (string, error) {
	tenantID := extractTenantID(c, defaultTenant)
	if !tenantIDPattern.MatchString(tenantID) {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
	}
	return tenantID, nil
}

// extractTenantID prefers the token's tenant claim, then the X-Tenant-ID
// header, then the tenant_id query parameter.
func extractTenantID(c echo.Context, defaultTenant string) string {
	if tid, ok := c.Get(JWTTenantKey).(string); ok && tid != "" {
		return tid
	}
	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}
	if tid := c.QueryParam("tenant_id"); tid != "" {
		return tid
	}
	return defaultTenant
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// ListTenants returns the tenants whose schema has been migrated, in name
// order.
func ListTenants(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx, `SELECT table_schema FROM information_schema.tables
		WHERE table_name = '_migrations' AND table_schema LIKE 'tenant\_%'
		ORDER BY table_schema`)
	if err != nil {
		return nil, fmt.Errorf("list tenant schemas: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var schema string
		if err := rows.Scan(&schema); err != nil {
			return nil, fmt.Errorf("scan tenant schema: %w", err)
		}
		if id, ok := TenantFromSchema(schema); ok {
			tenants = append(tenants, id)
		}
	}
	return tenants, rows.Err()
}

// TenantFromSchema is the inverse of SchemaFor.
func TenantFromSchema(schema string) (string, bool) {
	id, ok := strings.CutPrefix(schema, "tenant_")
	if !ok || !tenantIDPattern.MatchString(id) {
		return "", false
	}
	return id, true
}

// CreateTenantSchema creates the tenant's schema and applies the migrations in
// fsys to it. A nil fsys only creates the schema.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, fsys fs.FS) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}

	schema := SchemaFor(tenantID)
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if fsys != nil {
		if _, err := NewMigrator(pool, fsys).Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}
