package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/assay/internal/compound"
	"github.com/roach88/assay/internal/engine"
	"github.com/roach88/assay/internal/ir"
	"github.com/roach88/assay/internal/store"
)

// Pipeline stores records, derives compounds for each touched entity under
// every active policy, and plans their tasks.
type Pipeline struct {
	Store     *store.Store
	Builder   *compound.Builder
	Policies  []ir.Policy
	Scheduler *engine.Scheduler
	Logger    *slog.Logger
}

// Report counts what one Ingest call changed.
type Report struct {
	Records   int `json:"records"`
	Entities  int `json:"entities"`
	Compounds int `json:"compounds"`
	Tasks     int `json:"tasks"`

	// CompoundIDs lists every compound derived, new or not, in entity then
	// policy order.
	CompoundIDs []string `json:"compound_ids"`
}

// Ingest writes records and rebuilds the compounds of their entities from
// the full stored history. Resubmitting the same records changes nothing.
func (p *Pipeline) Ingest(ctx context.Context, records []ir.Record) (Report, error) {
	var report Report

	n, err := p.Store.WriteRecords(ctx, records)
	if err != nil {
		return report, err
	}
	report.Records = n

	entities, _ := compound.GroupByEntity(records)
	for _, entity := range entities {
		if err := p.buildEntity(ctx, entity, &report); err != nil {
			return report, err
		}
	}
	report.Entities = len(entities)

	p.logger().Info("ingest complete",
		"records", report.Records, "entities", report.Entities,
		"compounds", report.Compounds, "tasks", report.Tasks)
	return report, nil
}

// Rebuild derives compounds and tasks for stored entities without new
// records. With no entities given, every stored entity is rebuilt.
func (p *Pipeline) Rebuild(ctx context.Context, entities ...string) (Report, error) {
	var report Report
	if len(entities) == 0 {
		var err error
		if entities, err = p.Store.ListEntities(ctx); err != nil {
			return report, err
		}
	}
	for _, entity := range entities {
		if err := p.buildEntity(ctx, entity, &report); err != nil {
			return report, err
		}
	}
	report.Entities = len(entities)
	return report, nil
}

func (p *Pipeline) buildEntity(ctx context.Context, entity string, report *Report) error {
	history, err := p.Store.ReadRecords(ctx, entity)
	if err != nil {
		return fmt.Errorf("entity %s: %w", entity, err)
	}
	compounds, err := p.Builder.BuildAll(entity, history, p.Policies)
	if err != nil {
		return fmt.Errorf("entity %s: %w", entity, err)
	}

	for _, c := range compounds {
		report.CompoundIDs = append(report.CompoundIDs, c.ID)

		inserted, err := p.Store.InsertCompound(ctx, c)
		if err != nil {
			return fmt.Errorf("entity %s: %w", entity, err)
		}
		if inserted {
			report.Compounds++
			p.logger().Debug("compound created", "entity", entity, "policy", c.Policy, "compound", c.ID, "members", len(c.MemberIDs))
		}

		if p.Scheduler == nil {
			continue
		}
		created, err := p.Scheduler.Plan(ctx, c)
		if err != nil {
			return fmt.Errorf("entity %s: %w", entity, err)
		}
		report.Tasks += len(created)
	}
	return nil
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
