package config

import (
	"fmt"
	"strings"
)

// Generic JSON document manipulation for the mutation engine. The parsed
// config is a map[string]any / []any tree; mutations rewrite the tree and the
// store serializes it back out.

// RedactionSentinel, placed at a sensitive path, means "keep the existing
// value" during set/patch resolution.
const RedactionSentinel = "__MOZI_REDACTED__"

var sensitiveLeafNames = []string{"apikey", "bottoken", "authtoken"}

// isSensitiveLeaf reports whether a path's final segment names a secret.
func isSensitiveLeaf(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveLeafNames {
		if lower == s {
			return true
		}
	}
	return false
}

// getPath walks the tree along segs. Second result is false when any hop is
// missing or of the wrong shape.
func getPath(doc any, segs []pathSegment) (any, bool) {
	cur := doc
	for _, seg := range segs {
		if seg.isIdx {
			arr, ok := cur.([]any)
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			cur = arr[seg.index]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg.key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath writes value at segs, creating intermediate objects as needed.
// Array hops require the array and index to already exist, except that an
// index equal to the current length appends.
func setPath(doc map[string]any, segs []pathSegment, value any) error {
	return walkSet(doc, segs, value)
}

func walkSet(cur any, segs []pathSegment, value any) error {
	seg := segs[0]
	last := len(segs) == 1

	if seg.isIdx {
		arr, ok := cur.([]any)
		if !ok {
			return fmt.Errorf("path segment %s: not an array", seg)
		}
		if seg.index > len(arr) {
			return fmt.Errorf("array index %d out of range (len %d)", seg.index, len(arr))
		}
		if last {
			if seg.index == len(arr) {
				return fmt.Errorf("cannot append through set; index %d out of range", seg.index)
			}
			arr[seg.index] = value
			return nil
		}
		if seg.index == len(arr) {
			return fmt.Errorf("array index %d out of range (len %d)", seg.index, len(arr))
		}
		if child, ok := arr[seg.index].(map[string]any); ok {
			return walkSet(child, segs[1:], value)
		}
		if child, ok := arr[seg.index].([]any); ok {
			return walkSet(child, segs[1:], value)
		}
		return fmt.Errorf("path segment %s: cannot descend into scalar", seg)
	}

	obj, ok := cur.(map[string]any)
	if !ok {
		return fmt.Errorf("path segment %q: not an object", seg.key)
	}
	if last {
		obj[seg.key] = value
		return nil
	}
	child, exists := obj[seg.key]
	if !exists {
		next := map[string]any{}
		obj[seg.key] = next
		return walkSet(next, segs[1:], value)
	}
	switch c := child.(type) {
	case map[string]any:
		return walkSet(c, segs[1:], value)
	case []any:
		return walkSet(c, segs[1:], value)
	default:
		return fmt.Errorf("path segment %q: cannot descend into scalar", seg.key)
	}
}

// deletePath removes the leaf at segs. Deleting a missing path is a no-op.
func deletePath(doc map[string]any, segs []pathSegment) error {
	if len(segs) == 1 {
		seg := segs[0]
		if seg.isIdx {
			return fmt.Errorf("cannot delete a top-level array index")
		}
		delete(doc, seg.key)
		return nil
	}

	parent, ok := getPath(doc, segs[:len(segs)-1])
	if !ok {
		return nil
	}
	last := segs[len(segs)-1]
	if last.isIdx {
		// Array element removal needs the parent's parent to reassign; walk
		// again with the grandparent.
		gp := any(doc)
		if len(segs) > 2 {
			var found bool
			gp, found = getPath(doc, segs[:len(segs)-2])
			if !found {
				return nil
			}
		}
		arr, ok := parent.([]any)
		if !ok || last.index >= len(arr) {
			return nil
		}
		trimmed := append(append([]any{}, arr[:last.index]...), arr[last.index+1:]...)
		holder := segs[len(segs)-2]
		if holder.isIdx {
			garr, ok := gp.([]any)
			if !ok {
				return fmt.Errorf("inconsistent document shape at %s", holder)
			}
			garr[holder.index] = trimmed
		} else {
			gobj, ok := gp.(map[string]any)
			if !ok {
				return fmt.Errorf("inconsistent document shape at %s", holder)
			}
			gobj[holder.key] = trimmed
		}
		return nil
	}
	obj, ok := parent.(map[string]any)
	if !ok {
		return nil
	}
	if _, exists := obj[last.key]; !exists {
		return nil
	}
	delete(obj, last.key)
	pruneEmptyObjects(doc, segs[:len(segs)-1])
	return nil
}

// pruneEmptyObjects removes object hops left empty by a delete, walking from
// the deepest traversed parent back toward the root, so a set followed by a
// delete of the same path restores the original document. Array elements are
// never pruned: removing one would shift sibling indices.
func pruneEmptyObjects(doc map[string]any, segs []pathSegment) {
	for n := len(segs); n > 0; n-- {
		seg := segs[n-1]
		if seg.isIdx {
			return
		}
		cur, ok := getPath(doc, segs[:n])
		if !ok {
			return
		}
		obj, ok := cur.(map[string]any)
		if !ok || len(obj) > 0 {
			return
		}
		parent := any(doc)
		if n > 1 {
			if parent, ok = getPath(doc, segs[:n-1]); !ok {
				return
			}
		}
		pobj, ok := parent.(map[string]any)
		if !ok {
			return
		}
		delete(pobj, seg.key)
	}
}

// deepMerge merges patch into base: objects recurse, everything else
// replaces. Returns the merged value.
func deepMerge(base, patch any) any {
	baseObj, bok := base.(map[string]any)
	patchObj, pok := patch.(map[string]any)
	if !bok || !pok {
		return patch
	}
	for k, pv := range patchObj {
		if bv, exists := baseObj[k]; exists {
			baseObj[k] = deepMerge(bv, pv)
		} else {
			baseObj[k] = pv
		}
	}
	return baseObj
}

// resolveRedactions walks value and replaces every redaction sentinel at a
// sensitive leaf with the existing value from prior (the pre-mutation
// document subtree at the same location). Errors when a sentinel has no
// existing value to keep.
func resolveRedactions(value any, doc map[string]any, segs []pathSegment) (any, error) {
	switch v := value.(type) {
	case string:
		if v != RedactionSentinel {
			return value, nil
		}
		if !isSensitiveLeaf(lastSegmentKey(segs)) {
			// Sentinel outside a sensitive leaf passes through untouched.
			return value, nil
		}
		prior, ok := getPath(doc, segs)
		if !ok {
			return nil, fmt.Errorf("%w: redaction sentinel at %s has no existing value",
				ErrValidation, joinSegments(segs))
		}
		return prior, nil
	case map[string]any:
		for k, child := range v {
			resolved, err := resolveRedactions(child, doc, append(append([]pathSegment{}, segs...), pathSegment{key: k}))
			if err != nil {
				return nil, err
			}
			v[k] = resolved
		}
		return v, nil
	case []any:
		for i, child := range v {
			resolved, err := resolveRedactions(child, doc, append(append([]pathSegment{}, segs...), pathSegment{index: i, isIdx: true}))
			if err != nil {
				return nil, err
			}
			v[i] = resolved
		}
		return v, nil
	default:
		return value, nil
	}
}

func joinSegments(segs []pathSegment) string {
	var b strings.Builder
	for i, s := range segs {
		if s.isIdx {
			fmt.Fprintf(&b, "[%d]", s.index)
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s.key)
	}
	return b.String()
}
