package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/assay/internal/ir"
)

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidate_Clean(t *testing.T) {
	b, err := CompileString(declarations)
	require.NoError(t, err)
	assert.Empty(t, Validate(b, []string{"count", "summary"}))
	assert.Empty(t, Validate(b, nil), "nil units skips the unit check")
}

func TestValidate_CollectsAll(t *testing.T) {
	b := &Bundle{
		Policies: []ir.Policy{{Name: "nightly"}, {Name: "bad name"}},
		Configs: []ConfigSpec{
			{ID: "a", Unit: "count", Policies: []string{"weekly", "nightly", "nightly"}},
			{ID: "b", Unit: "ghost", DependsOn: []string{"missing"}, MaxTrials: -1},
		},
	}
	errs := Validate(b, []string{"count"})
	assert.ElementsMatch(t, []string{
		ErrInvalidName,
		ErrUnknownPolicy,
		ErrDuplicateEntry,
		ErrUnknownUnit,
		ErrUnknownDependency,
		ErrNegativeLimit,
	}, codes(errs))
}

func TestValidate_Cycles(t *testing.T) {
	b := &Bundle{Configs: []ConfigSpec{
		{ID: "a", Unit: "u", DependsOn: []string{"b"}},
		{ID: "b", Unit: "u", DependsOn: []string{"a"}},
		{ID: "c", Unit: "u", DependsOn: []string{"c"}},
		{ID: "d", Unit: "u", DependsOn: []string{"a"}},
	}}
	errs := Validate(b, nil)
	require.Len(t, errs, 2)
	assert.Equal(t, ErrDependencyCycle, errs[0].Code)
	assert.Equal(t, "dependency cycle: a -> b -> a", errs[0].Message)
	assert.Equal(t, "config c depends on itself", errs[1].Message)
}

func TestValidate_UncoveredPolicy(t *testing.T) {
	b := &Bundle{
		Policies: []ir.Policy{{Name: "A"}, {Name: "B"}},
		Configs: []ConfigSpec{
			{ID: "prep", Unit: "u", Policies: []string{"A"}},
			{ID: "fit", Unit: "u", DependsOn: []string{"prep"}},
			{ID: "fit-b", Unit: "u", Policies: []string{"A", "B"}, DependsOn: []string{"prep"}},
			{ID: "fit-a", Unit: "u", Policies: []string{"A"}, DependsOn: []string{"prep"}},
		},
	}
	errs := Validate(b, nil)
	require.Len(t, errs, 2)
	for _, e := range errs {
		assert.Equal(t, ErrUncoveredPolicy, e.Code)
	}
	assert.Equal(t, "config.fit.depends_on", errs[0].Field)
	assert.Equal(t, "config.fit-b.depends_on", errs[1].Field)
}

func TestAnalyzeCycles_Acyclic(t *testing.T) {
	cycles := AnalyzeCycles([]ConfigSpec{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a", "b"}},
	})
	assert.Empty(t, cycles)
	assert.NotNil(t, cycles)
}

func TestValidationError_Error(t *testing.T) {
	assert.Equal(t, "[E104] config.a.depends_on: undeclared config \"x\"",
		ValidationError{Field: "config.a.depends_on", Message: `undeclared config "x"`, Code: ErrUnknownDependency}.Error())
	assert.Equal(t, "[E106] line 3: config.a.max_trials: bad",
		ValidationError{Field: "config.a.max_trials", Message: "bad", Code: ErrNegativeLimit, Line: 3}.Error())
}
