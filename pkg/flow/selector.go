// Package flow handles parsing and representation of Maestro YAML flow files.
package flow

import "gopkg.in/yaml.v3"

// Selector represents element selection criteria.
// This mirrors Maestro's YamlElementSelector, extended with the strategies
// spec.md's selector-resolution layer (regex, xpath, role, placeholder,
// element type + index, image/OCR, exact match, per-selector timeout, and
// soft assertions) adds on top of the original text/id/css set.
// Pure data structure - executor decides how to use it.
type Selector struct {
	// Primary selectors
	Text  string `yaml:"text"`  // Text to match
	Regex string `yaml:"regex"` // Explicit regex pattern (in addition to the heuristic upgrade of Text)
	ID    string `yaml:"id"`    // Resource ID or accessibility ID

	// Native strategy delegation
	XPath       string `yaml:"xpath"`
	Role        string `yaml:"role"`
	Placeholder string `yaml:"placeholder"`

	// Element type + index
	ElementType string `yaml:"elementType"`

	// Image / OCR
	Image       string `yaml:"image"`       // Path to a template image
	ImageRegion string `yaml:"imageRegion"` // Optional bounding hint "x,y,w,h"

	// Size matching
	Width     int `yaml:"width"`
	Height    int `yaml:"height"`
	Tolerance int `yaml:"tolerance"`

	// State filters
	Enabled  *bool `yaml:"enabled"`
	Selected *bool `yaml:"selected"`
	Checked  *bool `yaml:"checked"`
	Focused  *bool `yaml:"focused"`

	// Index for multiple matches (string for variable support)
	Index string `yaml:"index"`

	// Traits (comma-separated string, e.g., "button,heading")
	Traits string `yaml:"traits"`

	// CSS selector for web views
	CSS string `yaml:"css"`

	// Exact requires case-sensitive, whole-string text matching instead of
	// the default case-insensitive contains/regex match.
	Exact bool `yaml:"exact"`

	// Soft marks the selector's owning assertion as non-fatal: a failure
	// is recorded but does not fail the command (distinct from Optional,
	// which silently skips instead of recording a failure).
	Soft bool `yaml:"soft"`

	// Timeout overrides the command/flow default resolution timeout for
	// this selector specifically (spec.md §4.3 precedence chain).
	Timeout int `yaml:"timeout"`

	// Relative selectors
	ChildOf             *Selector   `yaml:"childOf"`
	Below               *Selector   `yaml:"below"`
	Above                *Selector   `yaml:"above"`
	LeftOf              *Selector   `yaml:"leftOf"`
	RightOf             *Selector   `yaml:"rightOf"`
	ContainsChild       *Selector   `yaml:"containsChild"`
	ContainsDescendants []*Selector `yaml:"containsDescendants"`
	InsideOf            *Selector   `yaml:"insideOf"` // Visual containment (center point inside anchor bounds)

	// MaxDistance caps how far (in pixels) a relative anchor match (below/
	// above/leftOf/rightOf) may be from the selector; 0 means unbounded.
	MaxDistance int `yaml:"maxDistance"`

	// Inline step properties (parsed with selector for YAML convenience)
	Optional              *bool  `yaml:"optional"`
	RetryTapIfNoChange    *bool  `yaml:"retryTapIfNoChange"`
	WaitUntilVisible      *bool  `yaml:"waitUntilVisible"`
	Point                 string `yaml:"point"`                 // Tap point "x%, y%"
	Start                 string `yaml:"start"`                 // Swipe start "x%, y%"
	End                   string `yaml:"end"`                   // Swipe end "x%, y%"
	Repeat                int    `yaml:"repeat"`                // Tap repeat count
	Delay                 int    `yaml:"delay"`                 // Delay between repeats (ms)
	WaitToSettleTimeoutMs int    `yaml:"waitToSettleTimeoutMs"` // Wait for UI settle (ms)
	Label                 string `yaml:"label"`                 // Step label
}

// selectorRaw is used for YAML parsing to capture the "element" field.
type selectorRaw struct {
	Text                  string      `yaml:"text"`
	Element               string      `yaml:"element"` // Shorthand for text (used in scrollUntilVisible, etc.)
	Regex                 string      `yaml:"regex"`
	ID                    string      `yaml:"id"`
	XPath                 string      `yaml:"xpath"`
	Role                  string      `yaml:"role"`
	Placeholder           string      `yaml:"placeholder"`
	ElementType           string      `yaml:"elementType"`
	Image                 string      `yaml:"image"`
	ImageRegion           string      `yaml:"imageRegion"`
	Width                 int         `yaml:"width"`
	Height                int         `yaml:"height"`
	Tolerance             int         `yaml:"tolerance"`
	Enabled               *bool       `yaml:"enabled"`
	Selected              *bool       `yaml:"selected"`
	Checked               *bool       `yaml:"checked"`
	Focused               *bool       `yaml:"focused"`
	Index                 string      `yaml:"index"`
	Traits                string      `yaml:"traits"`
	CSS                   string      `yaml:"css"`
	Exact                 bool        `yaml:"exact"`
	Soft                  bool        `yaml:"soft"`
	Timeout               int         `yaml:"timeout"`
	ChildOf               *Selector   `yaml:"childOf"`
	Below                 *Selector   `yaml:"below"`
	Above                 *Selector   `yaml:"above"`
	LeftOf                *Selector   `yaml:"leftOf"`
	RightOf               *Selector   `yaml:"rightOf"`
	ContainsChild         *Selector   `yaml:"containsChild"`
	ContainsDescendants   []*Selector `yaml:"containsDescendants"`
	InsideOf              *Selector   `yaml:"insideOf"`
	MaxDistance           int         `yaml:"maxDistance"`
	Optional              *bool       `yaml:"optional"`
	RetryTapIfNoChange    *bool       `yaml:"retryTapIfNoChange"`
	WaitUntilVisible      *bool       `yaml:"waitUntilVisible"`
	Point                 string      `yaml:"point"`
	Start                 string      `yaml:"start"`
	End                   string      `yaml:"end"`
	Repeat                int         `yaml:"repeat"`
	Delay                 int         `yaml:"delay"`
	WaitToSettleTimeoutMs int         `yaml:"waitToSettleTimeoutMs"`
	Label                 string      `yaml:"label"`
}

// UnmarshalYAML allows Selector to be unmarshaled from string or struct.
func (s *Selector) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Text = node.Value
		return nil
	}

	var raw selectorRaw
	if err := node.Decode(&raw); err != nil {
		return err
	}

	// Copy fields
	s.Text = raw.Text
	s.Regex = raw.Regex
	s.ID = raw.ID
	s.XPath = raw.XPath
	s.Role = raw.Role
	s.Placeholder = raw.Placeholder
	s.ElementType = raw.ElementType
	s.Image = raw.Image
	s.ImageRegion = raw.ImageRegion
	s.Width = raw.Width
	s.Height = raw.Height
	s.Tolerance = raw.Tolerance
	s.Enabled = raw.Enabled
	s.Selected = raw.Selected
	s.Checked = raw.Checked
	s.Focused = raw.Focused
	s.Index = raw.Index
	s.Traits = raw.Traits
	s.CSS = raw.CSS
	s.Exact = raw.Exact
	s.Soft = raw.Soft
	s.Timeout = raw.Timeout
	s.ChildOf = raw.ChildOf
	s.Below = raw.Below
	s.Above = raw.Above
	s.LeftOf = raw.LeftOf
	s.RightOf = raw.RightOf
	s.ContainsChild = raw.ContainsChild
	s.ContainsDescendants = raw.ContainsDescendants
	s.InsideOf = raw.InsideOf
	s.MaxDistance = raw.MaxDistance
	s.Optional = raw.Optional
	s.RetryTapIfNoChange = raw.RetryTapIfNoChange
	s.WaitUntilVisible = raw.WaitUntilVisible
	s.Point = raw.Point
	s.Start = raw.Start
	s.End = raw.End
	s.Repeat = raw.Repeat
	s.Delay = raw.Delay
	s.WaitToSettleTimeoutMs = raw.WaitToSettleTimeoutMs
	s.Label = raw.Label

	// "element" is a shorthand for "text" (used in scrollUntilVisible, etc.)
	if raw.Element != "" && s.Text == "" {
		s.Text = raw.Element
	}

	return nil
}

// IsEmpty returns true if no selector properties are set.
func (s *Selector) IsEmpty() bool {
	return s.Text == "" &&
		s.Regex == "" &&
		s.ID == "" &&
		s.CSS == "" &&
		s.XPath == "" &&
		s.Role == "" &&
		s.Placeholder == "" &&
		s.ElementType == "" &&
		s.Image == "" &&
		s.Point == "" &&
		s.Width == 0 &&
		s.Height == 0 &&
		s.ChildOf == nil &&
		s.Below == nil &&
		s.Above == nil &&
		s.LeftOf == nil &&
		s.RightOf == nil &&
		s.ContainsChild == nil &&
		len(s.ContainsDescendants) == 0 &&
		s.InsideOf == nil
}

// HasRelativeSelector returns true if any relative selector is set.
func (s *Selector) HasRelativeSelector() bool {
	return s.ChildOf != nil ||
		s.Below != nil ||
		s.Above != nil ||
		s.LeftOf != nil ||
		s.RightOf != nil ||
		s.ContainsChild != nil ||
		len(s.ContainsDescendants) > 0 ||
		s.InsideOf != nil
}

// Describe returns a human-readable description.
func (s *Selector) Describe() string {
	switch {
	case s.Text != "":
		return s.Text
	case s.Regex != "":
		return "regex:" + s.Regex
	case s.ID != "":
		return "#" + s.ID
	case s.XPath != "":
		return "xpath:" + s.XPath
	case s.CSS != "":
		return "css:" + s.CSS
	case s.Role != "":
		return "role:" + s.Role
	case s.Placeholder != "":
		return "placeholder:" + s.Placeholder
	case s.Image != "":
		return "image:" + s.Image
	case s.Point != "":
		return "point:" + s.Point
	default:
		return ""
	}
}

// DescribeQuoted returns a quoted description like text="value" or id="value".
func (s *Selector) DescribeQuoted() string {
	switch {
	case s.Text != "":
		return "text=\"" + s.Text + "\""
	case s.Regex != "":
		return "regex=\"" + s.Regex + "\""
	case s.ID != "":
		return "id=\"" + s.ID + "\""
	case s.XPath != "":
		return "xpath=\"" + s.XPath + "\""
	case s.CSS != "":
		return "css=\"" + s.CSS + "\""
	default:
		return ""
	}
}
