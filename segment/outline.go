package segment

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/hazyhaar/kbingest/docpipe"
)

// Outline segments by bookmark. Each entry runs from its start to the
// position before the next entry at any level; the last runs to the end of
// the document. Content before the first entry becomes an implicit level-0
// section. No heading detection happens inside outline sections.
type Outline struct {
	Logger *slog.Logger
}

func (o *Outline) Segment(src docpipe.Source) (*Result, error) {
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}

	entries := append([]docpipe.OutlineEntry(nil), src.Outline()...)
	if len(entries) == 0 {
		return nil, ErrNoOutline
	}
	first, last := src.Positions()

	kept := entries[:0]
	for _, e := range entries {
		if e.Start > last {
			log.Warn("outline entry past end of document", "title", e.Title, "start", e.Start, "last", last)
			continue
		}
		if e.Start < first {
			e.Start = first
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		return nil, ErrNoOutline
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })

	elements := src.Elements()
	res := &Result{Mode: ModeOutline}

	if kept[0].Start > first {
		res.Sections = append(res.Sections, Skeleton{
			Start:    first,
			End:      kept[0].Start - 1,
			Blocks:   blocksIn(elements, first, kept[0].Start-1),
			Implicit: true,
		})
	}

	for i, e := range kept {
		end := last
		if i+1 < len(kept) {
			end = kept[i+1].Start - 1
		}
		if end < e.Start {
			// Shares its start with the next entry: the next one owns it.
			log.Debug("outline entry without own range", "title", e.Title, "start", e.Start)
			continue
		}
		title := strings.TrimSpace(e.Title)
		res.Sections = append(res.Sections, Skeleton{
			Title:  title,
			Level:  max(e.Level, 1),
			Start:  e.Start,
			End:    end,
			Blocks: dropHeadingEcho(blocksIn(elements, e.Start, end), title),
		})
	}
	return res, nil
}

// dropHeadingEcho removes the first paragraph when it only repeats the
// section title, which page text always does for a bookmarked heading.
func dropHeadingEcho(blocks []docpipe.Element, title string) []docpipe.Element {
	want := normalizeSpace(title)
	if want == "" {
		return blocks
	}
	for i, b := range blocks {
		if b.Kind != docpipe.ElemParagraph {
			return blocks
		}
		text := normalizeSpace(b.Paragraph.Text)
		if text == "" {
			continue
		}
		if text == want || (strings.HasSuffix(text, " "+want) && isNumberPrefix(strings.TrimSuffix(text, " "+want))) {
			out := make([]docpipe.Element, 0, len(blocks)-1)
			out = append(out, blocks[:i]...)
			return append(out, blocks[i+1:]...)
		}
		return blocks
	}
	return blocks
}

// isNumberPrefix reports whether s looks like "2", "2.1" or "2.1.".
func isNumberPrefix(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return s[0] != '.'
}
