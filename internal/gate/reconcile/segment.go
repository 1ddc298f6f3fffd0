package reconcile

import (
	"fmt"
	"strings"
)

// Segment is a named group of hostel blocks, e.g. {"Boys": ["D-Block","E-Block"]}.
type Segment struct {
	Name   string   `json:"name" yaml:"name"`
	Blocks []string `json:"blocks" yaml:"blocks"`
}

// DefaultSegments are the block groupings the gate dashboard has always
// used.
func DefaultSegments() []Segment {
	return []Segment{
		{
			Name:   "Boys",
			Blocks: []string{"D-Block", "E-Block", "D Block", "E Block", "Boys", "Boys-Block"},
		},
		{
			Name:   "Women",
			Blocks: []string{"Womens-Block", "Women-Block", "Women", "Womens", "Girls-Block", "Girls", "G-Block"},
		},
	}
}

// ParseSegments reads "Boys=D-Block|E-Block;Women=G-Block".
func ParseSegments(raw string) ([]Segment, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []Segment
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, blocks, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("segment %q: want name=block|block", part)
		}
		seg := Segment{Name: name}
		for _, b := range strings.Split(blocks, "|") {
			if b = strings.TrimSpace(b); b != "" {
				seg.Blocks = append(seg.Blocks, b)
			}
		}
		if len(seg.Blocks) == 0 {
			return nil, fmt.Errorf("segment %q has no blocks", name)
		}
		out = append(out, seg)
	}
	return out, nil
}

type blockSet map[string]struct{}

func (s Segment) blockSet() blockSet {
	set := make(blockSet, len(s.Blocks))
	for _, b := range s.Blocks {
		set[foldBlock(b)] = struct{}{}
	}
	return set
}

func (bs blockSet) contains(block string) bool {
	_, ok := bs[foldBlock(block)]
	return ok
}

func foldBlock(b string) string {
	return strings.ToLower(strings.TrimSpace(b))
}
