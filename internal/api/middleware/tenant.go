package middleware

import (
	"context"
	"net/http"
)

type ctxKey int

const tenantKey ctxKey = iota

// HeaderTenantID carries the tenant on every request. Single-tenant
// deployments omit it and land on the default tenant.
const HeaderTenantID = "X-Tenant-ID"

// DefaultTenant is used when no tenant header is present.
const DefaultTenant = "default"

// TenantContext resolves the tenant for the request and stores it in the
// context for downstream handlers.
func TenantContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(HeaderTenantID)
		if tenant == "" {
			tenant = DefaultTenant
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenant)))
	})
}

// TenantID returns the tenant resolved by TenantContext.
func TenantID(ctx context.Context) string {
	if t, ok := ctx.Value(tenantKey).(string); ok && t != "" {
		return t
	}
	return DefaultTenant
}
