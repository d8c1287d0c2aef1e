package selector

import (
	"github.com/devicelab-dev/flowrunner/pkg/core"
	"github.com/devicelab-dev/flowrunner/pkg/flow"
)

// FilterBelow returns nodes below anchor, closest first. maxDistance,
// when > 0, excludes nodes farther than that many pixels from the anchor.
func FilterBelow(nodes []*core.UiNode, anchor *core.UiNode, maxDistance int) []*core.UiNode {
	anchorBottom := anchor.Bounds.Y + anchor.Bounds.Height
	var result []*core.UiNode
	for _, n := range nodes {
		if n.Bounds.Y >= anchorBottom && withinMaxDistance(n.Bounds.Y-anchorBottom, maxDistance) {
			result = append(result, n)
		}
	}
	sortByDistanceY(result, anchorBottom)
	return result
}

// FilterAbove returns nodes above anchor, closest first.
func FilterAbove(nodes []*core.UiNode, anchor *core.UiNode, maxDistance int) []*core.UiNode {
	anchorTop := anchor.Bounds.Y
	var result []*core.UiNode
	for _, n := range nodes {
		bottom := n.Bounds.Y + n.Bounds.Height
		if bottom <= anchorTop && withinMaxDistance(anchorTop-bottom, maxDistance) {
			result = append(result, n)
		}
	}
	sortByDistanceYReverse(result, anchorTop)
	return result
}

// FilterLeftOf returns nodes left of anchor, closest first.
func FilterLeftOf(nodes []*core.UiNode, anchor *core.UiNode, maxDistance int) []*core.UiNode {
	anchorLeft := anchor.Bounds.X
	var result []*core.UiNode
	for _, n := range nodes {
		right := n.Bounds.X + n.Bounds.Width
		if right <= anchorLeft && withinMaxDistance(anchorLeft-right, maxDistance) {
			result = append(result, n)
		}
	}
	sortByDistanceXReverse(result, anchorLeft)
	return result
}

// FilterRightOf returns nodes right of anchor, closest first.
func FilterRightOf(nodes []*core.UiNode, anchor *core.UiNode, maxDistance int) []*core.UiNode {
	anchorRight := anchor.Bounds.X + anchor.Bounds.Width
	var result []*core.UiNode
	for _, n := range nodes {
		if n.Bounds.X >= anchorRight && withinMaxDistance(n.Bounds.X-anchorRight, maxDistance) {
			result = append(result, n)
		}
	}
	sortByDistanceX(result, anchorRight)
	return result
}

func withinMaxDistance(distance, maxDistance int) bool {
	return maxDistance <= 0 || distance <= maxDistance
}

// FilterChildOf returns nodes fully contained in anchor's bounds.
func FilterChildOf(nodes []*core.UiNode, anchor *core.UiNode) []*core.UiNode {
	var result []*core.UiNode
	for _, n := range nodes {
		if isInside(n.Bounds, anchor.Bounds) {
			result = append(result, n)
		}
	}
	return result
}

// FilterContainsChild returns nodes from candidates that contain anchor
// as a descendant (anchor's bounds fully inside the candidate's bounds).
func FilterContainsChild(candidates []*core.UiNode, anchor *core.UiNode) []*core.UiNode {
	var result []*core.UiNode
	for _, n := range candidates {
		if isInside(anchor.Bounds, n.Bounds) {
			result = append(result, n)
		}
	}
	return result
}

// FilterInsideOf returns nodes whose center point falls within anchor's
// bounds, a looser visual-containment test than FilterChildOf.
func FilterInsideOf(nodes []*core.UiNode, anchor *core.UiNode) []*core.UiNode {
	var result []*core.UiNode
	for _, n := range nodes {
		if n.Bounds.CenterInside(anchor.Bounds) {
			result = append(result, n)
		}
	}
	return result
}

func isInside(inner, outer core.Bounds) bool {
	return inner.X >= outer.X &&
		inner.Y >= outer.Y &&
		inner.X+inner.Width <= outer.X+outer.Width &&
		inner.Y+inner.Height <= outer.Y+outer.Height
}

// FilterContainsDescendants keeps elements that contain a match for every
// descendant selector somewhere within their own bounds.
func FilterContainsDescendants(nodes, all []*core.UiNode, descendants []*flow.Selector) []*core.UiNode {
	var result []*core.UiNode
	for _, n := range nodes {
		if containsAllDescendants(n, all, descendants) {
			result = append(result, n)
		}
	}
	return result
}

func containsAllDescendants(parent *core.UiNode, all []*core.UiNode, descendants []*flow.Selector) bool {
	for _, descSel := range descendants {
		found := false
		for _, n := range all {
			if isInside(n.Bounds, parent.Bounds) && matchesSelector(n, *descSel) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func sortByDistanceY(nodes []*core.UiNode, refY int) {
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			if (nodes[j].Bounds.Y - refY) < (nodes[i].Bounds.Y - refY) {
				nodes[i], nodes[j] = nodes[j], nodes[i]
			}
		}
	}
}

func sortByDistanceYReverse(nodes []*core.UiNode, refY int) {
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			distI := refY - (nodes[i].Bounds.Y + nodes[i].Bounds.Height)
			distJ := refY - (nodes[j].Bounds.Y + nodes[j].Bounds.Height)
			if distJ < distI {
				nodes[i], nodes[j] = nodes[j], nodes[i]
			}
		}
	}
}

func sortByDistanceX(nodes []*core.UiNode, refX int) {
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			if (nodes[j].Bounds.X - refX) < (nodes[i].Bounds.X - refX) {
				nodes[i], nodes[j] = nodes[j], nodes[i]
			}
		}
	}
}

func sortByDistanceXReverse(nodes []*core.UiNode, refX int) {
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			distI := refX - (nodes[i].Bounds.X + nodes[i].Bounds.Width)
			distJ := refX - (nodes[j].Bounds.X + nodes[j].Bounds.Width)
			if distJ < distI {
				nodes[i], nodes[j] = nodes[j], nodes[i]
			}
		}
	}
}

// SortClickableFirst reorders nodes to prioritize elements flagged
// Enabled, keeping relative order within each group — the nearest
// equivalent of "clickable" in the abstract UiNode model.
func SortClickableFirst(nodes []*core.UiNode) []*core.UiNode {
	var enabled, rest []*core.UiNode
	for _, n := range nodes {
		if n.Enabled {
			enabled = append(enabled, n)
		} else {
			rest = append(rest, n)
		}
	}
	return append(enabled, rest...)
}

// FilterScrollable returns only scrollable nodes with non-zero bounds.
func FilterScrollable(nodes []*core.UiNode) []*core.UiNode {
	var result []*core.UiNode
	for _, n := range nodes {
		if n.Scrollable && n.Bounds.Width > 0 && n.Bounds.Height > 0 {
			result = append(result, n)
		}
	}
	return result
}

// FindLargestScrollable returns the scrollable node with the largest area.
func FindLargestScrollable(nodes []*core.UiNode) *core.UiNode {
	scrollables := FilterScrollable(nodes)
	if len(scrollables) == 0 {
		return nil
	}
	largest := scrollables[0]
	largestArea := largest.Bounds.Width * largest.Bounds.Height
	for _, n := range scrollables[1:] {
		area := n.Bounds.Width * n.Bounds.Height
		if area > largestArea {
			largest = n
			largestArea = area
		}
	}
	return largest
}

// DeepestMatchingElement returns the node with the greatest Depth, Maestro's
// heuristic for preferring a specific child over a container that also
// happens to match.
func DeepestMatchingElement(nodes []*core.UiNode) *core.UiNode {
	if len(nodes) == 0 {
		return nil
	}
	deepest := nodes[0]
	for _, n := range nodes[1:] {
		if n.Depth > deepest.Depth {
			deepest = n
		}
	}
	return deepest
}
