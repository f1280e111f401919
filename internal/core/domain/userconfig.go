package domain

import (
	"encoding/json"
	"fmt"
)

// MergePolicy decides which incoming fields overwrite stored ones on edit.
type MergePolicy string

const (
	// MergeTruthy overwrites only with present, non-zero values. A field
	// cannot be reset to 0, false or "" under this policy.
	MergeTruthy MergePolicy = "truthy"
	// MergePresent overwrites with every present (non-null) value.
	MergePresent MergePolicy = "present"
)

// Valid reports whether p is a known policy.
func (p MergePolicy) Valid() bool {
	return p == MergeTruthy || p == MergePresent
}

// UserConfig is the per-user record shared with the terminal through the
// bind-mounted config directory. Nil fields serialize as null. Keys the
// template carries that are not modelled here round-trip through Extra.
type UserConfig struct {
	Name             *string  `json:"name"`
	Server           *string  `json:"server"`
	Login            *string  `json:"login"`
	Password         *string  `json:"password"`
	Investor         *string  `json:"investor"`
	Email            *string  `json:"email"`
	Phone            *string  `json:"phone"`
	InitialBalance   *float64 `json:"initial_balance"`
	RiskPerTrade     *float64 `json:"risk_per_trade"`
	MaxDailyDrawdown *float64 `json:"max_daily_drawdown"`
	MaxTotalDrawdown *float64 `json:"max_total_drawdown"`
	MinTradeDuration *int     `json:"min_trade_duration"`
	MaxTradeDuration *int     `json:"max_trade_duration"`

	Extra map[string]any `json:"-"`
}

var userConfigKeys = []string{
	"name", "server", "login", "password", "investor", "email", "phone",
	"initial_balance", "risk_per_trade", "max_daily_drawdown", "max_total_drawdown",
	"min_trade_duration", "max_trade_duration",
}

type userConfigFields UserConfig

func (c UserConfig) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(userConfigFields(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(c.Extra)+len(userConfigKeys))
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, ok := merged[k]; ok {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal extra key %q: %w", k, err)
		}
		merged[k] = raw
	}
	return json.Marshal(merged)
}

func (c *UserConfig) UnmarshalJSON(data []byte) error {
	var fields userConfigFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range userConfigKeys {
		delete(all, k)
	}

	*c = UserConfig(fields)
	c.Extra = nil
	if len(all) > 0 {
		c.Extra = all
	}
	return nil
}

// Credentials is the account triple produced by the automation pipeline.
type Credentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Investor string `json:"investor"`
}

// Empty reports whether no credential was obtained.
func (c Credentials) Empty() bool {
	return c.Login == "" && c.Password == "" && c.Investor == ""
}

// Patch converts the triple into a partial config. Empty values stay nil.
func (c Credentials) Patch() UserConfig {
	return UserConfig{
		Login:    nonEmpty(c.Login),
		Password: nonEmpty(c.Password),
		Investor: nonEmpty(c.Investor),
	}
}

// Merge returns c with the fields of patch applied under policy.
func (c UserConfig) Merge(patch UserConfig, policy MergePolicy) UserConfig {
	out := c.clone()

	mergeField(&out.Name, patch.Name, policy)
	mergeField(&out.Server, patch.Server, policy)
	mergeField(&out.Login, patch.Login, policy)
	mergeField(&out.Password, patch.Password, policy)
	mergeField(&out.Investor, patch.Investor, policy)
	mergeField(&out.Email, patch.Email, policy)
	mergeField(&out.Phone, patch.Phone, policy)
	mergeField(&out.InitialBalance, patch.InitialBalance, policy)
	mergeField(&out.RiskPerTrade, patch.RiskPerTrade, policy)
	mergeField(&out.MaxDailyDrawdown, patch.MaxDailyDrawdown, policy)
	mergeField(&out.MaxTotalDrawdown, patch.MaxTotalDrawdown, policy)
	mergeField(&out.MinTradeDuration, patch.MinTradeDuration, policy)
	mergeField(&out.MaxTradeDuration, patch.MaxTradeDuration, policy)

	for k, v := range patch.Extra {
		if v == nil || (policy == MergeTruthy && !truthy(v)) {
			continue
		}
		if out.Extra == nil {
			out.Extra = make(map[string]any, len(patch.Extra))
		}
		out.Extra[k] = v
	}
	return out
}

func (c UserConfig) clone() UserConfig {
	out := c
	if c.Extra != nil {
		out.Extra = make(map[string]any, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

func mergeField[T comparable](dst **T, src *T, policy MergePolicy) {
	if src == nil {
		return
	}
	var zero T
	if policy == MergeTruthy && *src == zero {
		return
	}
	v := *src
	*dst = &v
}

// truthy mirrors the zero-value test of mergeField for decoded JSON values.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
