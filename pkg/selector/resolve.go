package selector

import (
	"strconv"
	"strings"

	"github.com/devicelab-dev/flowrunner/pkg/core"
	"github.com/devicelab-dev/flowrunner/pkg/flow"
)

// Flatten walks a UiTree into a depth-ordered slice, the shape every
// filter/match function in this package operates on.
func Flatten(tree *core.UiTree) []*core.UiNode {
	if tree == nil || tree.Root == nil {
		return nil
	}
	var out []*core.UiNode
	var walk func(n *core.UiNode)
	walk = func(n *core.UiNode) {
		out = append(out, n)
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(tree.Root)
	return out
}

// FilterBySelector narrows nodes down to those matching sel's
// non-relative fields (text/regex/id/role/placeholder/elementType/size/
// state). xpath, css and image selectors are not matched by this package.
func FilterBySelector(nodes []*core.UiNode, sel flow.Selector) []*core.UiNode {
	var result []*core.UiNode
	for _, n := range nodes {
		if matchesSelector(n, sel) {
			result = append(result, n)
		}
	}
	return result
}

func matchesSelector(n *core.UiNode, sel flow.Selector) bool {
	if sel.Text != "" {
		if !MatchesText(sel.Text, sel.Exact, n.Text, n.AccessibilityLabel, n.Placeholder) {
			return false
		}
	}
	if sel.Regex != "" {
		if !MatchesRegex(sel.Regex, n.Text, n.AccessibilityLabel, n.Placeholder) {
			return false
		}
	}
	if sel.ID != "" && !strings.Contains(n.ID, sel.ID) {
		return false
	}
	if sel.Role != "" && !strings.EqualFold(n.Role, sel.Role) {
		return false
	}
	if sel.Placeholder != "" && !containsIgnoreCase(n.Placeholder, sel.Placeholder) {
		return false
	}
	if sel.ElementType != "" && !strings.EqualFold(n.Class, sel.ElementType) {
		return false
	}
	if sel.Width > 0 || sel.Height > 0 {
		tolerance := sel.Tolerance
		if tolerance == 0 {
			tolerance = 5
		}
		if sel.Width > 0 && !withinTolerance(n.Bounds.Width, sel.Width, tolerance) {
			return false
		}
		if sel.Height > 0 && !withinTolerance(n.Bounds.Height, sel.Height, tolerance) {
			return false
		}
	}
	if sel.Enabled != nil && n.Enabled != *sel.Enabled {
		return false
	}
	if sel.Selected != nil && n.Selected != *sel.Selected {
		return false
	}
	if sel.Focused != nil && n.Focused != *sel.Focused {
		return false
	}
	if sel.Checked != nil && n.Checked != *sel.Checked {
		return false
	}
	return true
}

func withinTolerance(actual, expected, tolerance int) bool {
	diff := actual - expected
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// ParsePoint parses a "x%, y%" or "x, y" point/start/end selector string
// into absolute screen coordinates given the screen size.
func ParsePoint(point string, screenW, screenH int) (x, y int, ok bool) {
	parts := strings.Split(point, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	px, okx := parseCoord(strings.TrimSpace(parts[0]), screenW)
	py, oky := parseCoord(strings.TrimSpace(parts[1]), screenH)
	if !okx || !oky {
		return 0, 0, false
	}
	return px, py, true
}

func parseCoord(s string, dimension int) (int, bool) {
	if strings.HasSuffix(s, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return 0, false
		}
		return int(pct / 100 * float64(dimension)), true
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Resolve finds the elements in tree matching sel, applying relative
// anchors, containsDescendants, index selection, and the
// deepest-element/clickable-first disambiguation Maestro applies when a
// selector still yields more than one candidate. Resolve matches only
// against the hierarchy; no native driver find is consulted.
func Resolve(tree *core.UiTree, sel flow.Selector) []*core.UiNode {
	nodes := Flatten(tree)
	candidates := FilterBySelector(nodes, sel)

	if sel.ChildOf != nil {
		anchors := Resolve(tree, *sel.ChildOf)
		if len(anchors) > 0 {
			candidates = FilterChildOf(candidates, anchors[0])
		}
	}
	if sel.InsideOf != nil {
		anchors := Resolve(tree, *sel.InsideOf)
		if len(anchors) > 0 {
			candidates = FilterInsideOf(candidates, anchors[0])
		}
	}
	if sel.Below != nil {
		anchors := Resolve(tree, *sel.Below)
		if len(anchors) > 0 {
			candidates = FilterBelow(candidates, anchors[0], sel.MaxDistance)
		}
	}
	if sel.Above != nil {
		anchors := Resolve(tree, *sel.Above)
		if len(anchors) > 0 {
			candidates = FilterAbove(candidates, anchors[0], sel.MaxDistance)
		}
	}
	if sel.LeftOf != nil {
		anchors := Resolve(tree, *sel.LeftOf)
		if len(anchors) > 0 {
			candidates = FilterLeftOf(candidates, anchors[0], sel.MaxDistance)
		}
	}
	if sel.RightOf != nil {
		anchors := Resolve(tree, *sel.RightOf)
		if len(anchors) > 0 {
			candidates = FilterRightOf(candidates, anchors[0], sel.MaxDistance)
		}
	}
	if sel.ContainsChild != nil {
		anchorSel := *sel.ContainsChild
		anchors := Resolve(tree, anchorSel)
		var kept []*core.UiNode
		for _, a := range anchors {
			kept = append(kept, FilterContainsChild(candidates, a)...)
		}
		candidates = dedup(kept)
	}
	if len(sel.ContainsDescendants) > 0 {
		candidates = FilterContainsDescendants(candidates, nodes, sel.ContainsDescendants)
	}

	if idx, err := strconv.Atoi(sel.Index); err == nil && idx >= 0 && idx < len(candidates) {
		return []*core.UiNode{candidates[idx]}
	}

	if len(candidates) > 1 {
		candidates = SortClickableFirst(candidates)
	}
	return candidates
}

func dedup(nodes []*core.UiNode) []*core.UiNode {
	seen := make(map[*core.UiNode]bool, len(nodes))
	var out []*core.UiNode
	for _, n := range nodes {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
