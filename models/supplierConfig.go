package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const DefaultFuzzyMinConfidence = 0.85

var configValidate = validator.New()

// FuzzyRule enables similarity-based matching below exact/secondary passes.
type FuzzyRule struct {
	MinConfidence float64 `json:"min_confidence" validate:"gt=0,lte=1"`
}

// MatchingRules is the strongly-typed matching configuration for a supplier.
// It replaces the free-form rule blobs the suppliers used to hand us: the
// strategy tag determines which field lists must be present, checked at load.
type MatchingRules struct {
	Strategy        MatchStrategy `json:"strategy" validate:"required,oneof=exact exact_secondary exact_secondary_fuzzy"`
	PrimaryFields   []MatchField  `json:"primary_fields" validate:"required,min=1,dive,oneof=reference transaction_id product_code"`
	SecondaryFields []MatchField  `json:"secondary_fields,omitempty" validate:"dive,oneof=reference transaction_id product_code"`
	MatchProduct    bool          `json:"match_product,omitempty"`
	Fuzzy           *FuzzyRule    `json:"fuzzy,omitempty"`
}

func (m MatchingRules) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *MatchingRules) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	case nil:
		*m = MatchingRules{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into MatchingRules", value)
	}
}

// FuzzyEnabled reports whether the strategy includes the fuzzy pass.
func (m MatchingRules) FuzzyEnabled() bool {
	return m.Strategy == MatchStrategyExactFuzzy && m.Fuzzy != nil
}

// MinConfidence returns the configured fuzzy acceptance threshold.
func (m MatchingRules) MinConfidence() float64 {
	if m.Fuzzy == nil || m.Fuzzy.MinConfidence == 0 {
		return DefaultFuzzyMinConfidence
	}
	return m.Fuzzy.MinConfidence
}

// StringList stores a JSON string array in a single column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	return json.Marshal(l)
}

func (l *StringList) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	case nil:
		*l = nil
		return nil
	default:
		return fmt.Errorf("cannot scan %T into StringList", value)
	}
}

// SupplierConfig is per-supplier reference data consumed by the engine.
// Read-only during a run; mutated only by out-of-band admin changes.
type SupplierConfig struct {
	ID         int    `gorm:"primary_key" json:"id"`
	SupplierId string `gorm:"size:64;uniqueIndex;not null" json:"supplier_id" validate:"required"`
	Name       string `gorm:"size:255;not null" json:"name" validate:"required"`

	MatchingRules MatchingRules `gorm:"type:json" json:"matching_rules"`

	TimestampToleranceSeconds int64 `gorm:"default:300" json:"timestamp_tolerance_seconds" validate:"gte=0"`
	AmountToleranceCents      int64 `gorm:"default:0" json:"amount_tolerance_cents" validate:"gte=0"`
	CommissionToleranceCents  int64 `gorm:"default:0" json:"commission_tolerance_cents" validate:"gte=0"`
	AutoResolveToleranceCents int64 `gorm:"default:0" json:"auto_resolve_tolerance_cents" validate:"gte=0"`

	CommissionMethod      string `gorm:"size:50" json:"commission_method" validate:"omitempty,oneof=flat percentage tiered"`
	CommissionField       string `gorm:"size:50" json:"commission_field"`
	CommissionIncludesVAT bool   `gorm:"default:false" json:"commission_includes_vat"`

	SLAHours                  int             `gorm:"default:24" json:"sla_hours" validate:"gt=0"`
	AlertRecipients           StringList      `gorm:"type:json" json:"alert_recipients" validate:"dive,email"`
	CriticalVarianceThreshold decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"critical_variance_threshold"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Validate rejects invalid configurations at load time. Matching never runs
// against a config that has not passed this.
func (c *SupplierConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return err
	}
	if err := configValidate.Struct(c.MatchingRules); err != nil {
		return err
	}
	switch c.MatchingRules.Strategy {
	case MatchStrategyExact:
		if c.MatchingRules.Fuzzy != nil {
			return errors.New("strategy exact does not accept a fuzzy block")
		}
	case MatchStrategyExactSecondary:
		if len(c.MatchingRules.SecondaryFields) == 0 {
			return errors.New("strategy exact_secondary requires secondary_fields")
		}
		if c.MatchingRules.Fuzzy != nil {
			return errors.New("strategy exact_secondary does not accept a fuzzy block")
		}
	case MatchStrategyExactFuzzy:
		if len(c.MatchingRules.SecondaryFields) == 0 {
			return errors.New("strategy exact_secondary_fuzzy requires secondary_fields")
		}
		if c.MatchingRules.Fuzzy == nil {
			return errors.New("strategy exact_secondary_fuzzy requires a fuzzy block")
		}
	}
	if c.CriticalVarianceThreshold.IsNegative() {
		return errors.New("critical_variance_threshold must not be negative")
	}
	return nil
}

// AmountTolerance returns the amount tolerance in currency units.
func (c *SupplierConfig) AmountTolerance() decimal.Decimal {
	return decimal.NewFromInt(c.AmountToleranceCents).Div(decimal.NewFromInt(100))
}

// CommissionTolerance returns the commission tolerance in currency units.
// Falls back to the amount tolerance when unset.
func (c *SupplierConfig) CommissionTolerance() decimal.Decimal {
	cents := c.CommissionToleranceCents
	if cents == 0 {
		cents = c.AmountToleranceCents
	}
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100))
}

// AutoResolveTolerance returns the auto-resolution sub-threshold in currency
// units. Discrepancies at or below it are resolved without operator review.
func (c *SupplierConfig) AutoResolveTolerance() decimal.Decimal {
	return decimal.NewFromInt(c.AutoResolveToleranceCents).Div(decimal.NewFromInt(100))
}

// TimestampTolerance returns the timestamp tolerance as a duration.
func (c *SupplierConfig) TimestampTolerance() time.Duration {
	return time.Duration(c.TimestampToleranceSeconds) * time.Second
}
