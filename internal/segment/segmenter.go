package segment

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Section is one contiguous span of OCR text attributed to a section type.
type Section struct {
	Type  string `json:"type"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"-"`
}

// Group is every span of one type, joined in document order.
type Group struct {
	Type  string
	Text  string
	Spans int
}

// Result partitions the catalog into found and missing types.
type Result struct {
	Sections []Section
	Found    []string
	Missing  []string
}

// Degenerate reports whether nothing from a non-empty catalog was found.
func (r Result) Degenerate() bool {
	return len(r.Found) == 0 && len(r.Missing) > 0
}

// Groups returns one group per found type, in order of first appearance.
func (r Result) Groups() []Group {
	idx := make(map[string]int, len(r.Found))
	groups := make([]Group, 0, len(r.Found))
	for _, s := range r.Sections {
		i, ok := idx[s.Type]
		if !ok {
			idx[s.Type] = len(groups)
			groups = append(groups, Group{Type: s.Type, Text: s.Text, Spans: 1})
			continue
		}
		groups[i].Text += "\n\n" + s.Text
		groups[i].Spans++
	}
	return groups
}

type anchor struct {
	offset int
	typ    string
}

// Segmenter splits OCR text on header anchors from a Catalog.
type Segmenter struct {
	catalog *Catalog
}

func New(catalog *Catalog) *Segmenter {
	return &Segmenter{catalog: catalog}
}

func (s *Segmenter) Catalog() *Catalog { return s.catalog }

// Segment scans text for catalog anchors. It never fails; an empty
// result is reported through Result.Degenerate.
func (s *Segmenter) Segment(text string) Result {
	anchors := s.findAnchors(text)
	sections := s.buildSections(text, anchors)
	sections = s.mergeAndFilter(text, sections)
	return s.partition(sections)
}

// Single attributes the whole text to one type, for uploads that are
// already a single document.
func (s *Segmenter) Single(text, docType string) Result {
	docType = s.catalog.Normalize(docType)
	trimmed := strings.TrimSpace(text)
	var sections []Section
	if _, known := s.catalog.Lookup(docType); known && trimmed != "" {
		start := strings.Index(text, trimmed)
		sections = []Section{{Type: docType, Start: start, End: start + len(trimmed), Text: trimmed}}
	}
	return s.partition(sections)
}

func (s *Segmenter) findAnchors(text string) []anchor {
	best := make(map[int]string)
	for _, st := range s.catalog.Sections {
		for _, re := range st.compiled {
			for _, loc := range re.FindAllStringIndex(text, -1) {
				off := skipSpace(text, loc[0], loc[1])
				if cur, ok := best[off]; !ok || s.catalog.outranks(st.Name, cur) {
					best[off] = st.Name
				}
			}
		}
	}

	anchors := make([]anchor, 0, len(best))
	for off, typ := range best {
		anchors = append(anchors, anchor{offset: off, typ: typ})
	}
	sort.Slice(anchors, func(i, j int) bool { return anchors[i].offset < anchors[j].offset })

	if t := s.catalog.Temporal; t != nil {
		pivot := -1
		for _, a := range anchors {
			if a.typ == t.Pivot {
				pivot = a.offset
				break
			}
		}
		if pivot >= 0 {
			for i := range anchors {
				if anchors[i].typ != t.Before && anchors[i].typ != t.After {
					continue
				}
				if anchors[i].offset > pivot {
					anchors[i].typ = t.After
				} else {
					anchors[i].typ = t.Before
				}
			}
		}
	}
	return anchors
}

func (s *Segmenter) buildSections(text string, anchors []anchor) []Section {
	sections := make([]Section, 0, len(anchors))
	for i, a := range anchors {
		end := len(text)
		if i+1 < len(anchors) {
			end = anchors[i+1].offset
		}
		start, stop := trimBounds(text, a.offset, end)
		if start >= stop {
			continue
		}
		sections = append(sections, Section{Type: a.typ, Start: start, End: stop, Text: text[start:stop]})
	}
	return sections
}

func (s *Segmenter) mergeAndFilter(text string, sections []Section) []Section {
	minChars := s.catalog.MinSectionChars
	merged := make([]Section, 0, len(sections))
	for _, cur := range sections {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			short := utf8.RuneCountInString(cur.Text) < minChars
			if last.Type == cur.Type && (cur.Start-last.End <= s.catalog.MergeGapChars || short) {
				last.End = cur.End
				last.Text = text[last.Start:last.End]
				continue
			}
		}
		merged = append(merged, cur)
	}

	kept := merged[:0]
	for _, sec := range merged {
		if utf8.RuneCountInString(sec.Text) >= minChars {
			kept = append(kept, sec)
		}
	}
	return kept
}

func (s *Segmenter) partition(sections []Section) Result {
	seen := make(map[string]bool, len(sections))
	found := make([]string, 0, len(sections))
	for _, sec := range sections {
		if !seen[sec.Type] {
			seen[sec.Type] = true
			found = append(found, sec.Type)
		}
	}
	missing := make([]string, 0, s.catalog.Len())
	for _, name := range s.catalog.Names() {
		if !seen[name] {
			missing = append(missing, name)
		}
	}
	return Result{Sections: sections, Found: found, Missing: missing}
}

func skipSpace(text string, from, to int) int {
	for from < to {
		r, size := utf8.DecodeRuneInString(text[from:])
		if !unicode.IsSpace(r) {
			break
		}
		from += size
	}
	return from
}

func trimBounds(text string, start, end int) (int, int) {
	start = skipSpace(text, start, end)
	for end > start {
		r, size := utf8.DecodeLastRuneInString(text[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		end -= size
	}
	return start, end
}
