package segment

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// anchorPrefix pins every pattern to the start of a line.
const anchorPrefix = `(?i)(?:^|\n)[ \t]*`

type SectionType struct {
	Name     string   `yaml:"name"`
	Label    string   `yaml:"label"`
	Patterns []string `yaml:"patterns"`
	Entities []string `yaml:"entities"`

	compiled []*regexp.Regexp
}

type Temporal struct {
	Pivot  string `yaml:"pivot"`
	Before string `yaml:"before"`
	After  string `yaml:"after"`
}

type FilenameHint struct {
	Type string   `yaml:"type"`
	All  []string `yaml:"all"`
}

// Catalog is the fixed set of section types the segmenter looks for.
type Catalog struct {
	MinSectionChars int               `yaml:"min_section_chars"`
	MergeGapChars   int               `yaml:"merge_gap_chars"`
	Sections        []*SectionType    `yaml:"sections"`
	Priority        []string          `yaml:"priority"`
	Aliases         map[string]string `yaml:"aliases"`
	Temporal        *Temporal         `yaml:"temporal"`
	FilenameHints   []FilenameHint    `yaml:"filename_hints"`

	byName map[string]*SectionType
	rank   map[string]int
}

// LoadCatalog reads path, or the embedded catalog when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog: %w", err)
		}
		data = b
	}
	return ParseCatalog(data)
}

// MustDefaultCatalog panics if the embedded catalog is invalid.
func MustDefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if c.MinSectionChars <= 0 {
		c.MinSectionChars = 30
	}
	if c.MergeGapChars < 0 {
		c.MergeGapChars = 0
	}

	c.byName = make(map[string]*SectionType, len(c.Sections))
	for _, s := range c.Sections {
		if s.Name == "" {
			return nil, fmt.Errorf("catalog section without a name")
		}
		if _, dup := c.byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate catalog section %q", s.Name)
		}
		for _, p := range s.Patterns {
			re, err := regexp.Compile(anchorPrefix + p)
			if err != nil {
				return nil, fmt.Errorf("section %s: bad pattern %q: %w", s.Name, p, err)
			}
			s.compiled = append(s.compiled, re)
		}
		c.byName[s.Name] = s
	}

	c.rank = make(map[string]int, len(c.Sections))
	for i, name := range c.Priority {
		if _, ok := c.byName[name]; !ok {
			return nil, fmt.Errorf("priority lists unknown section %q", name)
		}
		c.rank[name] = i
	}
	// Unlisted types rank after listed ones, in catalog order.
	for i, s := range c.Sections {
		if _, ok := c.rank[s.Name]; !ok {
			c.rank[s.Name] = len(c.Priority) + i
		}
	}

	if t := c.Temporal; t != nil {
		for _, name := range []string{t.Pivot, t.Before, t.After} {
			if _, ok := c.byName[name]; !ok {
				return nil, fmt.Errorf("temporal rule references unknown section %q", name)
			}
		}
	}
	for alias, target := range c.Aliases {
		if _, ok := c.byName[target]; !ok {
			return nil, fmt.Errorf("alias %q targets unknown section %q", alias, target)
		}
	}
	for _, hint := range c.FilenameHints {
		if _, ok := c.byName[hint.Type]; !ok {
			return nil, fmt.Errorf("filename hint targets unknown section %q", hint.Type)
		}
	}
	return &c, nil
}

// Names returns every section type in catalog order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.Sections))
	for i, s := range c.Sections {
		names[i] = s.Name
	}
	return names
}

func (c *Catalog) Len() int { return len(c.Sections) }

// Normalize maps aliases onto their canonical type.
func (c *Catalog) Normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if target, ok := c.Aliases[name]; ok {
		return target
	}
	return name
}

func (c *Catalog) Lookup(name string) (*SectionType, bool) {
	s, ok := c.byName[c.Normalize(name)]
	return s, ok
}

// DetectFromFilename guesses a document type from an uploaded file name.
func (c *Catalog) DetectFromFilename(filename string) (string, bool) {
	lower := strings.ToLower(filename)
	for _, hint := range c.FilenameHints {
		if len(hint.All) == 0 {
			continue
		}
		if !slices.ContainsFunc(hint.All, func(w string) bool { return !strings.Contains(lower, w) }) {
			return hint.Type, true
		}
	}
	return "", false
}

func (c *Catalog) outranks(a, b string) bool {
	return c.rank[a] < c.rank[b]
}
