package ingest

import (
	"github.com/hazyhaar/kbingest/assemble"
	"github.com/hazyhaar/kbingest/imgextract"
	"github.com/hazyhaar/kbingest/kbstore"
)

// Result is the JSON artifact of one extraction.
type Result struct {
	Success  bool                     `json:"success"`
	Source   string                   `json:"source"`
	Format   string                   `json:"format"`
	Mode     string                   `json:"mode"`
	Fallback bool                     `json:"fallback,omitempty"`
	RunID    string                   `json:"run_id,omitempty"`
	Sections []SectionOut             `json:"sections"`
	Images   []imgextract.ImageRecord `json:"images"`
	Stats    Stats                    `json:"stats"`

	Import *kbstore.ImportResult `json:"import,omitempty"`
}

// SectionOut is one assembled section as reported to callers.
type SectionOut struct {
	Title     string `json:"title"`
	Level     int    `json:"level"`
	Content   string `json:"content"`
	PageStart int    `json:"page_start"`
	PageEnd   int    `json:"page_end"`
}

// Stats summarises a run.
type Stats struct {
	Images     int `json:"images"`
	Sections   int `json:"sections"`
	Tables     int `json:"tables"`
	Skipped    int `json:"skipped"`
	Duplicates int `json:"duplicates"`
	Discarded  int `json:"discarded,omitempty"`
}

// ErrorResult is printed instead of a Result when a run fails.
type ErrorResult struct {
	Error string `json:"error"`
}

func sectionsOut(secs []assemble.Section) []SectionOut {
	out := make([]SectionOut, len(secs))
	for i, s := range secs {
		out[i] = SectionOut{
			Title:     s.Title,
			Level:     s.Level,
			Content:   s.Content,
			PageStart: s.PageStart,
			PageEnd:   s.PageEnd,
		}
	}
	return out
}

// Drafts converts the result's sections into article drafts.
func (r *Result) Drafts() []kbstore.Draft {
	out := make([]kbstore.Draft, len(r.Sections))
	for i, s := range r.Sections {
		out[i] = kbstore.Draft{
			Title:         s.Title,
			Level:         s.Level,
			Content:       s.Content,
			PositionStart: s.PageStart,
			PositionEnd:   s.PageEnd,
		}
	}
	return out
}
