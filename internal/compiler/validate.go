package compiler

import (
	"fmt"
	"regexp"
	"slices"
)

// Validation error codes (E100-E199)
const (
	ErrInvalidName       = "E101" // policy or config name has a bad shape
	ErrUnknownUnit       = "E102" // config names an unregistered unit
	ErrUnknownPolicy     = "E103" // config restricted to an undeclared policy
	ErrUnknownDependency = "E104" // depends_on names an undeclared config
	ErrDependencyCycle   = "E105" // configs depend on each other in a loop
	ErrNegativeLimit     = "E106" // max_trials or timeout below zero
	ErrDuplicateEntry    = "E107" // repeated policy or dependency
	ErrUncoveredPolicy   = "E108" // dependency not planned for a policy the dependent accepts
)

// ValidationError represents a declaration validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Validate checks a bundle, returning all errors found (does not fail-fast).
// When units is non-nil every config's unit must appear in it.
func Validate(b *Bundle, units []string) []ValidationError {
	var errs []ValidationError

	policies := make(map[string]bool, len(b.Policies))
	for _, p := range b.Policies {
		if !namePattern.MatchString(p.Name) {
			errs = append(errs, ValidationError{
				Field:   "policy." + p.Name,
				Message: fmt.Sprintf("invalid policy name %q", p.Name),
				Code:    ErrInvalidName,
			})
		}
		policies[p.Name] = true
	}

	configs := make(map[string]ConfigSpec, len(b.Configs))
	for _, c := range b.Configs {
		configs[c.ID] = c
	}

	for _, c := range b.Configs {
		errs = append(errs, validateConfig(c, units, policies, configs)...)
	}

	for _, cycle := range AnalyzeCycles(b.Configs) {
		errs = append(errs, ValidationError{
			Field:   "config." + cycle.Path[0] + ".depends_on",
			Message: cycle.Message,
			Code:    ErrDependencyCycle,
		})
	}

	return errs
}

func validateConfig(c ConfigSpec, units []string, policies map[string]bool, configs map[string]ConfigSpec) []ValidationError {
	var errs []ValidationError
	field := "config." + c.ID
	line := 0
	if c.Pos.IsValid() {
		line = c.Pos.Line()
	}
	add := func(f, code, format string, args ...any) {
		errs = append(errs, ValidationError{Field: f, Message: fmt.Sprintf(format, args...), Code: code, Line: line})
	}

	if !namePattern.MatchString(c.ID) {
		add(field, ErrInvalidName, "invalid config id %q", c.ID)
	}
	if units != nil && !slices.Contains(units, c.Unit) {
		add(field+".unit", ErrUnknownUnit, "unknown unit %q", c.Unit)
	}

	seen := map[string]bool{}
	for _, p := range c.Policies {
		if seen[p] {
			add(field+".policies", ErrDuplicateEntry, "policy %q listed twice", p)
		}
		seen[p] = true
		if !policies[p] {
			add(field+".policies", ErrUnknownPolicy, "undeclared policy %q", p)
		}
	}

	seen = map[string]bool{}
	for _, dep := range c.DependsOn {
		if seen[dep] {
			add(field+".depends_on", ErrDuplicateEntry, "dependency %q listed twice", dep)
		}
		seen[dep] = true
		prereq, ok := configs[dep]
		if !ok {
			add(field+".depends_on", ErrUnknownDependency, "undeclared config %q", dep)
			continue
		}
		if !prereq.Registration().Covers(c.Registration()) {
			add(field+".depends_on", ErrUncoveredPolicy,
				"config %q is not planned for every policy %q accepts", dep, c.ID)
		}
	}

	if c.MaxTrials < 0 {
		add(field+".max_trials", ErrNegativeLimit, "max_trials must not be negative, got %d", c.MaxTrials)
	}
	if c.Timeout < 0 {
		add(field+".timeout", ErrNegativeLimit, "timeout must not be negative, got %s", c.Timeout)
	}
	return errs
}
