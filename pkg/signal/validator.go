// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package signal

import "fmt"

// AnomalyType classifies a decoded value that is out of its plausible range
type AnomalyType int

const (
	AnomalyBelowMin AnomalyType = iota
	AnomalyAboveMax
	AnomalyMissingField
)

func (a AnomalyType) String() string {
	switch a {
	case AnomalyBelowMin:
		return "below_min"
	case AnomalyAboveMax:
		return "above_max"
	case AnomalyMissingField:
		return "missing_field"
	default:
		return "unknown"
	}
}

// ValidationError describes one implausible field
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateSignal checks every field against the limits declared in its spec.
// Returns an empty slice for a plausible reading.
func ValidateSignal(spec MessageSpec, s Signal) []ValidationError {
	errors := []ValidationError{}

	for _, f := range spec.Fields {
		v, ok := s.Get(f.Name)
		if !ok {
			errors = append(errors, ValidationError{
				Type:    AnomalyMissingField,
				Message: fmt.Sprintf("%s: field %s missing", spec.Kind, f.Name),
				Details: map[string]interface{}{"field": f.Name},
			})
			continue
		}
		if f.Min != nil && v < *f.Min {
			errors = append(errors, ValidationError{
				Type:    AnomalyBelowMin,
				Message: fmt.Sprintf("%s: %s=%g below %g", spec.Kind, f.Name, v, *f.Min),
				Details: map[string]interface{}{"field": f.Name, "value": v, "min": *f.Min},
			})
		}
		if f.Max != nil && v > *f.Max {
			errors = append(errors, ValidationError{
				Type:    AnomalyAboveMax,
				Message: fmt.Sprintf("%s: %s=%g above %g", spec.Kind, f.Name, v, *f.Max),
				Details: map[string]interface{}{"field": f.Name, "value": v, "max": *f.Max},
			})
		}
	}

	return errors
}
