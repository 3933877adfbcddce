package dedup

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/tenant_core/models"
	"github.com/ttacon/libphonenumber"
)

// Normalizer canonicalizes natural keys so that different spellings of one
// phone number or email resolve to the same contact. Phones become E.164.
type Normalizer struct {
	// DefaultRegion is the ISO 3166 region used for numbers without a country code.
	DefaultRegion string
	validate      *validator.Validate
}

func NewNormalizer(defaultRegion string) Normalizer {
	return Normalizer{
		DefaultRegion: strings.ToUpper(strings.TrimSpace(defaultRegion)),
		validate:      validator.New(),
	}
}

func (n Normalizer) Normalize(key models.NaturalKey) (models.NaturalKey, error) {
	value := strings.TrimSpace(key.Value)
	if value == "" {
		return key, models.ValidationError{Field: "natural_key", Message: "is required"}
	}
	switch key.Kind {
	case models.KeyKindPhone:
		num, err := libphonenumber.Parse(value, n.DefaultRegion)
		if err != nil {
			return key, models.ValidationError{Field: "natural_key", Message: "unparseable phone number: " + err.Error()}
		}
		if !libphonenumber.IsValidNumber(num) {
			return key, models.ValidationError{Field: "natural_key", Message: "invalid phone number"}
		}
		return models.NaturalKey{Kind: key.Kind, Value: libphonenumber.Format(num, libphonenumber.E164)}, nil
	case models.KeyKindEmail:
		value = strings.ToLower(value)
		if n.validate != nil {
			if err := n.validate.Var(value, "email"); err != nil {
				return key, models.ValidationError{Field: "natural_key", Message: "invalid email"}
			}
		}
		return models.NaturalKey{Kind: key.Kind, Value: value}, nil
	case models.KeyKindExternal:
		if len(value) > 255 {
			return key, models.ValidationError{Field: "natural_key", Message: "must be at most 255 characters"}
		}
		return models.NaturalKey{Kind: key.Kind, Value: value}, nil
	}
	return key, models.ValidationError{Field: "key_kind", Message: "must be one of [phone email external]"}
}
