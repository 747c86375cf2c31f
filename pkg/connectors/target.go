package connectors

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// QueryTarget is a caller-chosen scope narrowing which part of a vendor's
// data a connector's tools may touch.
type QueryTarget interface {
	Selected(dimension string) []string
}

// Selection is the generic QueryTarget: dimension name → selected values.
type Selection map[string][]string

func (s Selection) Selected(dimension string) []string {
	return s[dimension]
}

// Dimensions returns the selected dimension names in sorted order.
func (s Selection) Dimensions() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// TargetDefinition describes one scoping dimension.
type TargetDefinition struct {
	Name        string `json:"name"`
	Multiselect bool   `json:"multiselect"`
}

// QueryTargetOptions lists the scoping dimensions a connector supports and the
// values currently available for each.
type QueryTargetOptions struct {
	Definitions []TargetDefinition  `json:"definitions"`
	Selectors   map[string][]string `json:"selectors"`
}

// TargetError reports a target that does not fit the available options.
type TargetError struct {
	Dimension string
	Reason    string
}

func (e *TargetError) Error() string {
	if e.Dimension == "" {
		return "invalid target: " + e.Reason
	}
	return fmt.Sprintf("invalid target: dimension %q: %s", e.Dimension, e.Reason)
}

// Validate checks target against the options: selected values must be
// offered, single-select dimensions take at most one value, and, for targets
// that expose their dimensions, unknown dimensions are rejected.
func (o *QueryTargetOptions) Validate(target QueryTarget) error {
	var errs []error
	if d, ok := target.(interface{ Dimensions() []string }); ok {
		for _, name := range d.Dimensions() {
			if !slices.ContainsFunc(o.Definitions, func(def TargetDefinition) bool { return def.Name == name }) {
				errs = append(errs, &TargetError{Dimension: name, Reason: "unknown dimension"})
			}
		}
	}
	for _, def := range o.Definitions {
		values := target.Selected(def.Name)
		if !def.Multiselect && len(values) > 1 {
			errs = append(errs, &TargetError{Dimension: def.Name, Reason: "only one value may be selected"})
		}
		for _, v := range values {
			if !slices.Contains(o.Selectors[def.Name], v) {
				errs = append(errs, &TargetError{Dimension: def.Name, Reason: fmt.Sprintf("value %q is not available", v)})
			}
		}
	}
	return errors.Join(errs...)
}

// InScope reports whether value is selected for dimension. An empty selection
// puts nothing in scope.
func InScope(target QueryTarget, dimension, value string) bool {
	return slices.Contains(target.Selected(dimension), value)
}
