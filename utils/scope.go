package utils

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/tenant_core/models"
)

// RequireAdminScope allows privileged calls for tenantId. An admin token that is
// itself bound to a tenant may only act on that tenant.
func RequireAdminScope(ctx context.Context, tenantId string) error {
	if isAdmin, _ := GetIsAdminFromContext(ctx); !isAdmin {
		return fmt.Errorf("%w: admin role required", models.ErrForbidden)
	}
	if tenantId == "" {
		return models.ValidationError{Field: "tenant_id", Message: "is required"}
	}
	if bound, ok := GetTenantIdFromContext(ctx); ok && bound != "" && bound != tenantId {
		return fmt.Errorf("%w: admin token is scoped to another tenant", models.ErrForbidden)
	}
	return nil
}

// RequireTenantScope rejects calls whose context tenant differs from tenantId.
// Contexts without a tenant (workers, internal jobs) are allowed.
func RequireTenantScope(ctx context.Context, tenantId string) error {
	if tenantId == "" {
		return models.ValidationError{Field: "tenant_id", Message: "is required"}
	}
	if isAdmin, _ := GetIsAdminFromContext(ctx); isAdmin {
		return nil
	}
	if bound, ok := GetTenantIdFromContext(ctx); ok && bound != "" && bound != tenantId {
		return fmt.Errorf("%w: tenant mismatch", models.ErrForbidden)
	}
	return nil
}
