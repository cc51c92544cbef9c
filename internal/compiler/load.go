package compiler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/assay/internal/engine"
	"github.com/roach88/assay/internal/ir"
)

// Bundle is the compiled content of a declaration directory.
// Policies and Configs are ordered by name.
type Bundle struct {
	Policies []ir.Policy
	Configs  []ConfigSpec

	// FileCount is the number of CUE files read; zero for in-memory sources.
	FileCount int
}

// ErrNoFiles is returned when a directory contains no CUE files.
var ErrNoFiles = errors.New("no CUE files found")

// LoadDir loads and compiles every CUE file in dir.
func LoadDir(dir string) (*Bundle, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("declarations directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoFiles)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, errors.New("no CUE instances loaded")
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, formatCUEError(inst.Err)
	}

	value := cuecontext.New().BuildInstance(inst)
	b, err := Compile(value)
	if err != nil {
		return nil, err
	}
	b.FileCount = len(files)
	return b, nil
}

// CompileString compiles CUE source held in memory.
func CompileString(src string) (*Bundle, error) {
	return Compile(cuecontext.New().CompileString(src, cue.Filename("inline.cue")))
}

// Compile extracts the policy and config declarations from a CUE value.
func Compile(value cue.Value) (*Bundle, error) {
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	b := &Bundle{}

	if policiesVal := value.LookupPath(cue.ParsePath("policy")); policiesVal.Exists() {
		iter, err := policiesVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			p, err := CompilePolicy(iter.Value())
			if err != nil {
				return nil, err
			}
			b.Policies = append(b.Policies, p)
		}
	}

	if configsVal := value.LookupPath(cue.ParsePath("config")); configsVal.Exists() {
		iter, err := configsVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			c, err := CompileConfig(iter.Value())
			if err != nil {
				return nil, err
			}
			b.Configs = append(b.Configs, c)
		}
	}

	slices.SortFunc(b.Policies, func(x, y ir.Policy) int { return strings.Compare(x.Name, y.Name) })
	slices.SortFunc(b.Configs, func(x, y ConfigSpec) int { return strings.Compare(x.ID, y.ID) })
	return b, nil
}

// Register adds every config to reg. Units must already be registered.
func (b *Bundle) Register(reg *engine.Registry) error {
	for _, c := range b.Configs {
		if err := reg.Register(c.Registration()); err != nil {
			return err
		}
	}
	return reg.Validate()
}

// Policy returns the policy named name.
func (b *Bundle) Policy(name string) (ir.Policy, bool) {
	for _, p := range b.Policies {
		if p.Name == name {
			return p, true
		}
	}
	return ir.Policy{}, false
}
