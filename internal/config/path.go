package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Config mutations address leaves through a small path grammar:
//
//	models.anthropic.apiKey        dotted object segments
//	agents.list[2].model           [n] is an array index
//	channels["my.dotted.key"]      bracketed string for literal dots/brackets
//	a\.b.c                         backslash escapes a literal dot
//
// A parsed path is a sequence of segments, each either an object key or an
// array index.

type pathSegment struct {
	key   string
	index int
	isIdx bool
}

func (s pathSegment) String() string {
	if s.isIdx {
		return fmt.Sprintf("[%d]", s.index)
	}
	return s.key
}

// parsePath tokenizes a path expression. Returns an error on empty paths,
// unterminated brackets, or dangling escapes.
func parsePath(path string) ([]pathSegment, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("empty config path")
	}

	var (
		segs []pathSegment
		cur  strings.Builder
		has  bool
	)
	flush := func() {
		if has || cur.Len() > 0 {
			segs = append(segs, pathSegment{key: cur.String()})
			cur.Reset()
			has = false
		}
	}

	i := 0
	for i < len(path) {
		c := path[i]
		switch c {
		case '\\':
			if i+1 >= len(path) {
				return nil, fmt.Errorf("dangling escape at end of path %q", path)
			}
			cur.WriteByte(path[i+1])
			has = true
			i += 2
		case '.':
			flush()
			i++
		case '[':
			flush()
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated bracket in path %q", path)
			}
			inner := path[i+1 : i+end]
			i += end + 1
			if len(inner) >= 2 && (inner[0] == '"' || inner[0] == '\'') && inner[len(inner)-1] == inner[0] {
				segs = append(segs, pathSegment{key: inner[1 : len(inner)-1]})
			} else {
				n, err := strconv.Atoi(inner)
				if err != nil || n < 0 {
					return nil, fmt.Errorf("invalid bracket segment %q in path %q", inner, path)
				}
				segs = append(segs, pathSegment{index: n, isIdx: true})
			}
			// A dot directly after "]" is a separator, not an empty segment.
			if i < len(path) && path[i] == '.' {
				i++
			}
		default:
			cur.WriteByte(c)
			has = true
			i++
		}
	}
	flush()

	if len(segs) == 0 {
		return nil, fmt.Errorf("empty config path")
	}
	for _, s := range segs {
		if !s.isIdx && s.key == "" {
			return nil, fmt.Errorf("empty segment in path %q", path)
		}
	}
	return segs, nil
}

// lastSegmentKey returns the final object-key segment name, "" when the path
// ends in an array index.
func lastSegmentKey(segs []pathSegment) string {
	if len(segs) == 0 {
		return ""
	}
	last := segs[len(segs)-1]
	if last.isIdx {
		return ""
	}
	return last.key
}
