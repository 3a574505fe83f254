package assemble

import (
	"fmt"
	"regexp"
	"sort"
)

// Anchor is a trigger phrase meaning "see the figure". An image anchored to
// it is placed right after the phrase and captioned with Alt.
type Anchor struct {
	Pattern *regexp.Regexp
	Alt     string
}

// AnchorSpec is the configuration form of an Anchor.
type AnchorSpec struct {
	Phrase string `json:"phrase" yaml:"phrase"`
	Alt    string `json:"alt" yaml:"alt"`
}

// DefaultAnchors covers the phrasing of Chinese and English equipment
// manuals.
func DefaultAnchors() []Anchor {
	return []Anchor{
		{regexp.MustCompile(`如右?图所示[。，：]?`), "操作示意图"},
		{regexp.MustCompile(`见右?图[。，：]?`), "参考图"},
		{regexp.MustCompile(`图示如下[。，：]?`), "示意图"},
		{regexp.MustCompile(`(?i)as shown in the (?:following )?figure[.:,]?`), "figure"},
		{regexp.MustCompile(`(?i)see (?:the )?figure(?: below)?[.:,]?`), "figure"},
	}
}

// CompileAnchors turns specs into anchors. An empty list yields the
// defaults.
func CompileAnchors(specs []AnchorSpec) ([]Anchor, error) {
	if len(specs) == 0 {
		return DefaultAnchors(), nil
	}
	out := make([]Anchor, 0, len(specs))
	for _, s := range specs {
		re, err := regexp.Compile(s.Phrase)
		if err != nil {
			return nil, fmt.Errorf("anchor %q: %w", s.Phrase, err)
		}
		out = append(out, Anchor{Pattern: re, Alt: s.Alt})
	}
	return out, nil
}

// match is one trigger-phrase occurrence inside a text fragment.
type match struct {
	frag  int
	start int
	end   int
	alt   string
}

// findMatches returns every anchor occurrence across texts in reading
// order. Overlapping occurrences keep the earliest.
func findMatches(texts map[int]string, order []int, anchors []Anchor) []match {
	var all []match
	for _, i := range order {
		for _, a := range anchors {
			for _, loc := range a.Pattern.FindAllStringIndex(texts[i], -1) {
				if loc[1] > loc[0] {
					all = append(all, match{frag: i, start: loc[0], end: loc[1], alt: a.Alt})
				}
			}
		}
	}
	sort.SliceStable(all, func(x, y int) bool {
		if all[x].frag != all[y].frag {
			return all[x].frag < all[y].frag
		}
		return all[x].start < all[y].start
	})

	out := all[:0]
	for _, m := range all {
		if n := len(out); n > 0 && out[n-1].frag == m.frag && m.start < out[n-1].end {
			continue
		}
		out = append(out, m)
	}
	return out
}
