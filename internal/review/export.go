package review

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/roach88/assay/internal/ir"
)

// Export writes entries to w as JSON lines, one entry per line, in the
// order given.
func Export(w io.Writer, entries []ir.JournalEntry) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, e := range entries {
		if e.Payload == nil {
			e.Payload = ir.Object{}
		}
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("export journal entry %d: %w", e.Seq, err)
		}
	}
	return nil
}
