package sign

import (
	"fmt"
	"sort"
)

// writeXrefTable writes the incremental cross-reference table followed by
// the trailer.
func (w *IncrementalWriter) writeXrefTable(root Reference) error {
	start := w.Len()

	if _, err := w.buf.Write([]byte("xref\n")); err != nil {
		return fmt.Errorf("failed to write incremental xref header: %w", err)
	}

	for _, section := range xrefSubsections(w.entries) {
		if _, err := fmt.Fprintf(w.buf, "%d %d\n", section[0].ID, len(section)); err != nil {
			return fmt.Errorf("failed to write xref subsection: %w", err)
		}
		for _, entry := range section {
			if _, err := fmt.Fprintf(w.buf, "%010d %05d n\r\n", entry.Offset, entry.Gen); err != nil {
				return fmt.Errorf("failed to write incremental xref entry: %w", err)
			}
		}
	}

	return w.writeTrailer(root, start)
}

// xrefSubsections sorts entries by object number and splits them into runs
// of consecutive numbers.
func xrefSubsections(entries []xrefEntry) [][]xrefEntry {
	sorted := make([]xrefEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var sections [][]xrefEntry
	for i, e := range sorted {
		if i == 0 || e.ID != sorted[i-1].ID+1 {
			sections = append(sections, []xrefEntry{e})
			continue
		}
		sections[len(sections)-1] = append(sections[len(sections)-1], e)
	}
	return sections
}
