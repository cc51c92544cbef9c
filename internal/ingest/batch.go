package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/assay/internal/ir"
)

// Batch is a YAML document of records:
//
//	records:
//	  - id: r1
//	    entity_id: star-42
//	    timestamp: 2026-01-01T00:00:00Z
//	    payload: {flux: 12}
//	    excludes: [nightly]
type Batch struct {
	Records []RecordDoc `yaml:"records"`
}

// RecordDoc is one record as written in YAML.
type RecordDoc struct {
	ID        string         `yaml:"id"`
	EntityID  string         `yaml:"entity_id"`
	Timestamp time.Time      `yaml:"timestamp"`
	Payload   map[string]any `yaml:"payload"`
	Excludes  []string       `yaml:"excludes,omitempty"`
}

// LoadFile reads a batch file.
func LoadFile(path string) ([]ir.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	records, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return records, nil
}

// Parse decodes one or more YAML batch documents. Unknown fields are
// rejected. A record id repeated with identical content is kept once; a
// record id repeated with different content is an error.
func Parse(r io.Reader) ([]ir.Record, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var records []ir.Record
	seen := make(map[string]int)
	for doc := 0; ; doc++ {
		var b Batch
		err := dec.Decode(&b)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}

		for i, d := range b.Records {
			rec, err := d.Record()
			if err != nil {
				return nil, fmt.Errorf("document %d record %d: %w", doc+1, i+1, err)
			}
			if j, dup := seen[rec.ID]; dup {
				if !sameRecord(records[j], rec) {
					return nil, fmt.Errorf("record %q: conflicting duplicate", rec.ID)
				}
				continue
			}
			seen[rec.ID] = len(records)
			records = append(records, rec)
		}
	}
	return records, nil
}

// Record validates the document and converts it. Timestamps are normalized
// to UTC.
func (d RecordDoc) Record() (ir.Record, error) {
	switch {
	case d.ID == "":
		return ir.Record{}, errors.New("id is required")
	case d.EntityID == "":
		return ir.Record{}, fmt.Errorf("record %q: entity_id is required", d.ID)
	case d.Timestamp.IsZero():
		return ir.Record{}, fmt.Errorf("record %q: timestamp is required", d.ID)
	case !ir.TimestampInRange(d.Timestamp):
		return ir.Record{}, fmt.Errorf("record %q: timestamp %s outside %s to %s", d.ID,
			d.Timestamp.Format(time.RFC3339), ir.MinTimestamp.Format(time.RFC3339), ir.MaxTimestamp.Format(time.RFC3339))
	}

	payload, err := ir.ObjectFromMap(d.Payload)
	if err != nil {
		return ir.Record{}, fmt.Errorf("record %q: payload: %w", d.ID, err)
	}
	return ir.Record{
		ID:        d.ID,
		EntityID:  d.EntityID,
		Timestamp: d.Timestamp.UTC(),
		Payload:   payload,
		Excludes:  d.Excludes,
	}, nil
}

func sameRecord(a, b ir.Record) bool {
	if a.EntityID != b.EntityID || !a.Timestamp.Equal(b.Timestamp) {
		return false
	}
	pa, err := ir.Canonical(a.Payload)
	if err != nil {
		return false
	}
	pb, err := ir.Canonical(b.Payload)
	if err != nil {
		return false
	}
	if !bytes.Equal(pa, pb) || len(a.Excludes) != len(b.Excludes) {
		return false
	}
	for i := range a.Excludes {
		if a.Excludes[i] != b.Excludes[i] {
			return false
		}
	}
	return true
}
