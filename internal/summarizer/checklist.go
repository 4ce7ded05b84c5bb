package summarizer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/secretari/capture-gateway/internal/store"
)

// ExtractChecklist parses checklist items out of a model answer. The
// answer usually wraps a JSON array in prose, so only the first
// bracketed array substring is considered, with newlines flattened
// first. Malformed elements are skipped; missing fields fall back to
// the element position, "Unknown item", and unchecked.
func ExtractChecklist(answer string) ([]store.ChecklistItem, error) {
	flat := strings.ReplaceAll(answer, "\n", " ")

	open := strings.Index(flat, "[")
	if open < 0 {
		return nil, fmt.Errorf("no checklist array in answer")
	}
	length := strings.Index(flat[open:], "]")
	if length < 0 {
		return nil, fmt.Errorf("unterminated checklist array in answer")
	}
	raw := flat[open : open+length+1]

	var elements []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &elements); err != nil {
		return nil, fmt.Errorf("decode checklist array: %w", err)
	}

	items := make([]store.ChecklistItem, 0, len(elements))
	for pos, element := range elements {
		var loose struct {
			ID        *int    `json:"id"`
			Title     *string `json:"title"`
			IsChecked *bool   `json:"isChecked"`
		}
		if err := json.Unmarshal(element, &loose); err != nil {
			continue
		}

		item := store.ChecklistItem{
			ID:    pos + 1,
			Title: "Unknown item",
		}
		if loose.ID != nil {
			item.ID = *loose.ID
		}
		if loose.Title != nil && *loose.Title != "" {
			item.Title = *loose.Title
		}
		if loose.IsChecked != nil {
			item.IsChecked = *loose.IsChecked
		}
		items = append(items, item)
	}
	return items, nil
}
