package config

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/mmdatafocus/tenant_core/appctx"
	"github.com/mmdatafocus/tenant_core/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

const tenantColumn = "tenant_id"

// TenantGuardPlugin enforces multi-tenant isolation for requests that carry a
// tenant in their context:
//   - queries, updates and deletes on tables with a tenant_id column get a
//     tenant_id filter unless one is already present;
//   - creates are rejected when the row's tenant_id differs from the request's.
//
// Raw SQL is not inspected. Workers and admin calls bypass via context flags.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Query().Before("gorm:query").Register("tenant_guard:query", tenantScopeCallback); err != nil {
		return err
	}
	if err := cb.Row().Before("gorm:row").Register("tenant_guard:row", tenantScopeCallback); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("tenant_guard:update", tenantScopeCallback); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:delete").Register("tenant_guard:delete", tenantScopeCallback); err != nil {
		return err
	}
	return cb.Create().Before("gorm:create").Register("tenant_guard:create", tenantCreateCallback)
}

// guardedTenant returns the tenant to enforce and the tenant_id field, or ok=false
// when the statement is out of scope for the guard.
func guardedTenant(db *gorm.DB) (tenantID string, field *schema.Field, ok bool) {
	if db == nil || db.Statement == nil || db.Statement.Context == nil || db.Statement.Schema == nil {
		return "", nil, false
	}
	ctx := db.Statement.Context
	if shouldBypassTenantScope(ctx) {
		return "", nil, false
	}
	tenantID = tenantIdFromContext(ctx)
	if tenantID == "" {
		return "", nil, false
	}
	field = db.Statement.Schema.LookUpField(tenantColumn)
	if field == nil {
		return "", nil, false
	}
	return tenantID, field, true
}

func tenantScopeCallback(db *gorm.DB) {
	tenantID, _, ok := guardedTenant(db)
	if !ok {
		return
	}
	// Don't duplicate an explicit tenant filter.
	if whereHasTenantID(db.Statement.Clauses["WHERE"]) {
		return
	}
	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: tenantColumn},
				Value:  tenantID,
			},
		},
	})
}

func tenantCreateCallback(db *gorm.DB) {
	tenantID, field, ok := guardedTenant(db)
	if !ok {
		return
	}
	ctx := db.Statement.Context
	rv := db.Statement.ReflectValue
	check := func(v reflect.Value) {
		got, zero := field.ValueOf(ctx, v)
		if zero {
			return
		}
		if s, _ := got.(string); s != tenantID {
			_ = db.AddError(fmt.Errorf("%w: row tenant %q does not match request tenant", models.ErrForbidden, s))
		}
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			check(reflect.Indirect(rv.Index(i)))
		}
	case reflect.Struct:
		check(rv)
	}
}

func tenantIdFromContext(ctx context.Context) string {
	if v, ok := appctx.GetString(ctx, appctx.ContextKeyTenantId); ok && v != "" {
		return v
	}
	return ""
}

func shouldBypassTenantScope(ctx context.Context) bool {
	if v, ok := appctx.GetBool(ctx, appctx.ContextKeySkipTenantScope); ok && v {
		return true
	}
	if v, ok := appctx.GetBool(ctx, appctx.ContextKeyIsAdmin); ok && v {
		return true
	}
	return false
}

func whereHasTenantID(c clause.Clause) bool {
	if c.Expression == nil {
		return false
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasTenantID(e) {
			return true
		}
	}
	return false
}

func exprHasTenantID(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colIsTenantID(v.Column)
	case clause.Neq:
		return colIsTenantID(v.Column)
	case clause.IN:
		return colIsTenantID(v.Column)
	case clause.AndConditions:
		return anyHasTenantID(v.Exprs)
	case clause.OrConditions:
		// Every branch must be scoped, otherwise one branch can leak rows.
		for _, x := range v.Exprs {
			if !exprHasTenantID(x) {
				return false
			}
		}
		return len(v.Exprs) > 0
	case clause.Expr:
		// Best-effort for raw expressions.
		return strings.Contains(strings.ToLower(v.SQL), tenantColumn)
	case clause.NamedExpr:
		return strings.Contains(strings.ToLower(v.SQL), tenantColumn)
	default:
		return false
	}
}

func anyHasTenantID(exprs []clause.Expression) bool {
	for _, x := range exprs {
		if exprHasTenantID(x) {
			return true
		}
	}
	return false
}

func colIsTenantID(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, tenantColumn)
	case clause.Column:
		return strings.EqualFold(c.Name, tenantColumn)
	default:
		return false
	}
}
