package db

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// SchemaName returns the Postgres schema holding a tenant's laboratory data.
func SchemaName(tenantID string) (string, error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return "", fmt.Errorf("invalid tenant identifier: %q", tenantID)
	}
	return "tenant_" + tenantID, nil
}

// TenantMiddleware resolves the tenant, acquires a connection with the
// tenant schema on its search_path and stores both on the request context.
// Requests matched by skip bypass tenant resolution.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string, skip func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skip != nil && skip(c) {
				return next(c)
			}

			tenantID, ok := extractTenantID(c, defaultTenant)
			if !ok {
				return echo.NewHTTPError(http.StatusForbidden, "token carries no tenant")
			}
			schema, err := SchemaName(tenantID)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema)); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "tenant resolution failed")
			}
			// Pooled connections are reused across tenants.
			defer conn.Exec(context.Background(), "RESET search_path")

			c.SetRequest(c.Request().WithContext(WithTenant(ctx, tenantID, conn)))
			c.Set("tenant_id", tenantID)
			return next(c)
		}
	}
}

// tokenTenantKey is set on the echo context by the JWT middleware, even when
// the token carries no tenant claim.
const tokenTenantKey = "jwt_tenant_id"

// extractTenantID returns the token's tenant claim when a token was
// validated; a token without one is refused. Unauthenticated development
// requests fall back to the X-Tenant-ID header, then the tenant_id query
// parameter, then the default tenant.
func extractTenantID(c echo.Context, defaultTenant string) (string, bool) {
	if claim, authenticated := c.Get(tokenTenantKey).(string); authenticated {
		return claim, claim != ""
	}
	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return tid, true
	}
	if tid := c.QueryParam("tenant_id"); tid != "" {
		return tid, true
	}
	return defaultTenant, true
}

// WithTenant stores the tenant id and its scoped connection on ctx. conn may
// be nil.
func WithTenant(ctx context.Context, tenantID string, conn *pgxpool.Conn) context.Context {
	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	if conn != nil {
		ctx = context.WithValue(ctx, DBConnKey, conn)
	}
	return ctx
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

// CreateTenantSchema creates the tenant schema, applies migrations and
// records the tenant's time zone in tenant_settings.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrations fs.FS, timeZone string) error {
	schema, err := SchemaName(tenantID)
	if err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	if _, err := NewMigrator(pool, migrations).Up(ctx, schema); err != nil {
		return fmt.Errorf("run migrations for %s: %w", schema, err)
	}

	_, err = pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.tenant_settings (tenant_id, time_zone) VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET time_zone = EXCLUDED.time_zone`, schema),
		tenantID, timeZone)
	if err != nil {
		return fmt.Errorf("write tenant settings for %s: %w", tenantID, err)
	}
	return nil
}
