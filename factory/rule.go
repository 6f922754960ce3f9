/*
Package factory provides JSON to Go calculation rule conversion.

PURPOSE:
  Converts JSON rule definitions into immutable generic.RuleConfig values
  and builds the rule registry at process start. Operators can retire a rule
  version or narrow its contexts without a rebuild.

JSON SCHEMA:
  {
    "id": "0a1b6d54-5681-4fa6-ac47-2a99c235eaa8",
    "version": 1,
    "name": "payment: capitation",
    "status": "active",
    "type": "account_payable",
    "sub_type": "third_party_payment",
    "entity_kind": "PaymentPlan",
    "valid_from": "2000-01-01",
    "contexts": ["BatchPayment", "BatchValuation"],
    "from_to": [{"from": "BatchRun", "to": "Bill"}]
  }

  A file holds either one object or an array of them. Omitted fields take
  the built-in definition of the rule with the same id.

USAGE:
  defs, err := factory.LoadRulesFile("rules.json")
  reg, err := factory.BuildRegistry(defs, store, capitation.Options{...})

SEE ALSO:
  - generic/rule.go: RuleConfig definition
  - generic/registry.go: Registry
  - capitation/rule.go: The capitation rule
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/warp/calcrule-engine/capitation"
	"github.com/warp/calcrule-engine/generic"
)

const dateLayout = "2006-01-02"

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleJSON is the JSON representation of a calculation rule.
type RuleJSON struct {
	ID          string           `json:"id"`
	Version     int              `json:"version,omitempty"`
	Name        string           `json:"name,omitempty"`
	Description string           `json:"description,omitempty"`
	ValidFrom   string           `json:"valid_from,omitempty"`
	ValidTo     string           `json:"valid_to,omitempty"`
	Status      string           `json:"status,omitempty"`
	Type        string           `json:"type,omitempty"`
	SubType     string           `json:"sub_type,omitempty"`
	EntityKind  string           `json:"entity_kind,omitempty"`
	Contexts    []string         `json:"contexts,omitempty"`
	FromTo      []ConversionJSON `json:"from_to,omitempty"`
}

type ConversionJSON struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParseRules decodes one rule object or an array of rule objects.
func ParseRules(data []byte) ([]RuleJSON, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var defs []RuleJSON
		if err := json.Unmarshal(data, &defs); err != nil {
			return nil, fmt.Errorf("failed to parse rules JSON: %w", err)
		}
		return defs, nil
	}
	var def RuleJSON
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse rule JSON: %w", err)
	}
	return []RuleJSON{def}, nil
}

// LoadRulesFile reads and parses a rules file.
func LoadRulesFile(path string) ([]RuleJSON, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// FromJSON converts a definition to a RuleConfig, starting from base for
// every field the definition leaves empty.
func FromJSON(rj RuleJSON, base generic.RuleConfigSpec) (generic.RuleConfig, error) {
	spec := base
	spec.ID = generic.RuleID(rj.ID)
	if rj.Version != 0 {
		spec.Version = rj.Version
	}
	if rj.Name != "" {
		spec.Name = rj.Name
	}
	if rj.Description != "" {
		spec.Description = rj.Description
	}
	if rj.Type != "" {
		spec.Type = rj.Type
	}
	if rj.SubType != "" {
		spec.SubType = rj.SubType
	}

	if rj.ValidFrom != "" {
		t, err := time.Parse(dateLayout, rj.ValidFrom)
		if err != nil {
			return generic.RuleConfig{}, fmt.Errorf("rule %s: invalid valid_from: %w", rj.ID, err)
		}
		spec.ValidFrom = t
	}
	if rj.ValidTo != "" {
		t, err := time.Parse(dateLayout, rj.ValidTo)
		if err != nil {
			return generic.RuleConfig{}, fmt.Errorf("rule %s: invalid valid_to: %w", rj.ID, err)
		}
		spec.ValidTo = &t
	}

	if rj.Status != "" {
		status, err := parseStatus(rj.Status)
		if err != nil {
			return generic.RuleConfig{}, fmt.Errorf("rule %s: %w", rj.ID, err)
		}
		spec.Status = status
	}

	if rj.EntityKind != "" {
		kind, err := generic.ParseEntityKind(rj.EntityKind)
		if err != nil {
			return generic.RuleConfig{}, fmt.Errorf("rule %s: entity_kind %q: %w", rj.ID, rj.EntityKind, err)
		}
		spec.EntityKind = kind
	}

	if rj.Contexts != nil {
		spec.Contexts = nil
		for _, s := range rj.Contexts {
			c, err := generic.ParseCalcContext(s)
			if err != nil {
				return generic.RuleConfig{}, fmt.Errorf("rule %s: context %q: %w", rj.ID, s, err)
			}
			spec.Contexts = append(spec.Contexts, c)
		}
	}

	if rj.FromTo != nil {
		spec.FromTo = nil
		for _, cj := range rj.FromTo {
			from, err := generic.ParseEntityKind(cj.From)
			if err != nil {
				return generic.RuleConfig{}, fmt.Errorf("rule %s: from_to %q: %w", rj.ID, cj.From, err)
			}
			to, err := generic.ParseEntityKind(cj.To)
			if err != nil {
				return generic.RuleConfig{}, fmt.Errorf("rule %s: from_to %q: %w", rj.ID, cj.To, err)
			}
			spec.FromTo = append(spec.FromTo, generic.Conversion{From: from, To: to})
		}
	}

	return generic.NewRuleConfig(spec)
}

// ToJSON converts a RuleConfig back to its JSON form.
func ToJSON(cfg generic.RuleConfig) RuleJSON {
	v := cfg.Validity()
	rj := RuleJSON{
		ID:          string(cfg.ID()),
		Version:     cfg.Version(),
		Name:        cfg.Name(),
		Description: cfg.Description(),
		Status:      string(cfg.Status()),
		Type:        cfg.Type(),
		SubType:     cfg.SubType(),
		EntityKind:  string(cfg.EntityKind()),
	}
	if !v.From.IsZero() {
		rj.ValidFrom = v.From.Format(dateLayout)
	}
	if v.To != nil {
		rj.ValidTo = v.To.Format(dateLayout)
	}
	for _, c := range cfg.Contexts() {
		rj.Contexts = append(rj.Contexts, string(c))
	}
	for _, c := range cfg.FromTo() {
		rj.FromTo = append(rj.FromTo, ConversionJSON{From: string(c.From), To: string(c.To)})
	}
	return rj
}

func parseStatus(s string) (generic.RuleStatus, error) {
	switch generic.RuleStatus(s) {
	case generic.RuleActive:
		return generic.RuleActive, nil
	case generic.RuleInactive:
		return generic.RuleInactive, nil
	}
	return "", fmt.Errorf("%w: status %q", generic.ErrInvalidRuleConfig, s)
}

// =============================================================================
// REGISTRY
// =============================================================================

// BuildRegistry registers one rule per definition. Definitions must name a
// known rule implementation; inactive ones are skipped. No definitions
// registers the built-in capitation rule.
func BuildRegistry(defs []RuleJSON, store generic.Store, opts capitation.Options) (*generic.Registry, error) {
	reg := generic.NewRegistry()
	if len(defs) == 0 {
		defs = []RuleJSON{{ID: string(capitation.RuleID)}}
	}

	for _, def := range defs {
		switch generic.RuleID(def.ID) {
		case capitation.RuleID:
			cfg, err := FromJSON(def, capitation.DefaultConfigSpec())
			if err != nil {
				return nil, err
			}
			if cfg.Status() != generic.RuleActive {
				continue
			}
			rule := capitation.NewRule(cfg, store, opts)
			if err := reg.Register(rule.Handlers()); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: no implementation for rule %q", generic.ErrRuleNotFound, def.ID)
		}
	}
	return reg, nil
}
