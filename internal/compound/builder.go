// Package compound groups an entity's records into content-addressed compounds.
//
// A compound is identified by ir.CompoundID over the entity, the policy and
// the canonical member order, so rebuilding from the same records (in any
// arrival order, with any duplicates) always yields the same compound.
package compound

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/assay/internal/ir"
)

// ErrForeignRecord is returned when a candidate record belongs to a different entity.
var ErrForeignRecord = errors.New("record belongs to another entity")

// Builder builds compounds. The zero value is usable and stamps CreatedAt
// with time.Now.
type Builder struct {
	now func() time.Time
}

// NewBuilder returns a Builder whose CreatedAt timestamps come from now.
func NewBuilder(now func() time.Time) *Builder {
	return &Builder{now: now}
}

// Build groups candidates into the compound for entityID under policy.
//
// Records tagged as excluded for the policy are dropped, duplicates by id are
// collapsed, and the rest are ordered by (timestamp, id). ok is false when
// nothing remains: an empty compound is an outcome, not an error.
func (b *Builder) Build(entityID string, candidates []ir.Record, policy ir.Policy) (c ir.Compound, ok bool, err error) {
	members, err := canonicalMembers(entityID, candidates, policy.Name)
	if err != nil {
		return ir.Compound{}, false, err
	}
	if len(members) == 0 {
		return ir.Compound{}, false, nil
	}

	ids := make([]string, len(members))
	for i, r := range members {
		ids[i] = r.ID
	}

	id, err := ir.CompoundID(entityID, policy, ids)
	if err != nil {
		return ir.Compound{}, false, fmt.Errorf("build compound for %s/%s: %w", entityID, policy.Name, err)
	}

	return ir.Compound{
		ID:        id,
		EntityID:  entityID,
		Policy:    policy.Name,
		MemberIDs: ids,
		CreatedAt: b.timestamp(),
	}, true, nil
}

// BuildAll builds one compound per policy. Policies whose compound is empty
// are skipped, so the result may be shorter than policies. Distinct policies
// may legitimately produce distinct compounds from the same records.
func (b *Builder) BuildAll(entityID string, candidates []ir.Record, policies []ir.Policy) ([]ir.Compound, error) {
	var out []ir.Compound
	for _, p := range policies {
		c, ok, err := b.Build(entityID, candidates, p)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (b *Builder) timestamp() time.Time {
	if b == nil || b.now == nil {
		return time.Now().UTC()
	}
	return b.now().UTC()
}

// canonicalMembers filters and orders candidate records for one policy.
func canonicalMembers(entityID string, candidates []ir.Record, policy string) ([]ir.Record, error) {
	seen := make(map[string]bool, len(candidates))
	members := make([]ir.Record, 0, len(candidates))
	for _, r := range candidates {
		if r.EntityID != entityID {
			return nil, fmt.Errorf("%w: record %q has entity %q, want %q", ErrForeignRecord, r.ID, r.EntityID, entityID)
		}
		if r.ExcludedFrom(policy) || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		members = append(members, r)
	}

	slices.SortFunc(members, func(a, b ir.Record) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return members, nil
}

// GroupByEntity splits a record batch by entity, preserving input order
// within each entity. Entities are returned sorted.
func GroupByEntity(records []ir.Record) (entities []string, byEntity map[string][]ir.Record) {
	byEntity = make(map[string][]ir.Record)
	for _, r := range records {
		if _, ok := byEntity[r.EntityID]; !ok {
			entities = append(entities, r.EntityID)
		}
		byEntity[r.EntityID] = append(byEntity[r.EntityID], r)
	}
	slices.Sort(entities)
	return entities, byEntity
}
