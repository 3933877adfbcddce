package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

type KeyKind string

const (
	KeyKindPhone    KeyKind = "phone"
	KeyKindEmail    KeyKind = "email"
	KeyKindExternal KeyKind = "external"
)

func (k KeyKind) IsValid() bool {
	switch k {
	case KeyKindPhone, KeyKindEmail, KeyKindExternal:
		return true
	}
	return false
}

// NaturalKey identifies a contact inside one tenant (a phone number, an email,
// or an id issued by an external system such as a POS).
type NaturalKey struct {
	Kind  KeyKind `json:"kind" validate:"required,oneof=phone email external"`
	Value string  `json:"value" validate:"required,max=255"`
}

func (k NaturalKey) String() string {
	return string(k.Kind) + ":" + k.Value
}

// Contact is the entity a natural key resolves to.
// Unique constraint: (tenant_id, key_kind, live_key). LiveKey is NULL once the
// contact is soft deleted, so deleted rows never collide with a live one.
type Contact struct {
	ID           string            `gorm:"primary_key;size:36" json:"id"`
	TenantId     string            `gorm:"size:64;not null;index:uniq_contact_live_key,unique;index:idx_contact_natural_key" json:"tenant_id"`
	KeyKind      KeyKind           `gorm:"size:20;not null;index:uniq_contact_live_key,unique;index:idx_contact_natural_key" json:"key_kind"`
	NaturalKey   string            `gorm:"size:255;not null;index:idx_contact_natural_key" json:"natural_key"`
	LiveKey      *string           `gorm:"size:255;index:uniq_contact_live_key,unique" json:"-"`
	Name         string            `gorm:"size:255" json:"name"`
	Attributes   datatypes.JSONMap `json:"attributes"`
	DeletedAt    *time.Time        `gorm:"index" json:"deleted_at"`
	DeleteReason string            `gorm:"size:255" json:"delete_reason,omitempty"`
	CreatedAt    time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (c *Contact) IsLive() bool { return c.DeletedAt == nil }

func (c *Contact) Key() NaturalKey {
	return NaturalKey{Kind: c.KeyKind, Value: c.NaturalKey}
}

// MarkDeleted releases the live key slot.
func (c *Contact) MarkDeleted(at time.Time, reason string) {
	c.DeletedAt = &at
	c.DeleteReason = strings.TrimSpace(reason)
	c.LiveKey = nil
}

// Reactivate claims the live key slot again.
func (c *Contact) Reactivate() {
	k := c.NaturalKey
	c.DeletedAt = nil
	c.DeleteReason = ""
	c.LiveKey = &k
}

// ContactDefaults are applied only when the resolver creates a new contact.
type ContactDefaults struct {
	Name       string         `json:"name" validate:"max=255"`
	Attributes map[string]any `json:"attributes"`
}
