package store

import "time"

// ChecklistItem is one entry of a record's structured checklist
type ChecklistItem struct {
	ID        int    `json:"id"`
	Title     string `json:"title"`
	IsChecked bool   `json:"isChecked"`
}

// Record is a finalized transcript record. It is keyed by its creation
// timestamp in epoch milliseconds and mutated at most twice per
// session: once to persist the raw transcript and once to apply the
// terminal summarization result.
type Record struct {
	ID         int64             // Creation timestamp, epoch ms
	Transcript string
	Locale     string
	Summaries  map[string]string // Per-locale summary text
	Checklist  []ChecklistItem
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Summary returns the summary text for the given locale, if any
func (r *Record) Summary(locale string) string {
	if r.Summaries == nil {
		return ""
	}
	return r.Summaries[locale]
}
