package executor

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"image/png"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/devicelab-dev/flowrunner/pkg/core"
	"github.com/devicelab-dev/flowrunner/pkg/flow"
	"github.com/devicelab-dev/flowrunner/pkg/selector"
	"github.com/google/uuid"
)

// successResult and errorResult mirror the uiautomator2 driver's result
// helpers now that leaf-step execution lives in the executor rather than
// behind a single Driver.Execute(step) dispatch.
func successResult(msg string, elem *core.ElementInfo) *core.CommandResult {
	return &core.CommandResult{Success: true, Message: msg, Element: elem}
}

func errorResult(err error, msg string) *core.CommandResult {
	return &core.CommandResult{Success: false, Error: err, Message: msg}
}

func nodeToElement(n *core.UiNode) *core.ElementInfo {
	if n == nil {
		return nil
	}
	return &core.ElementInfo{
		ID:                 n.ID,
		Text:               n.Text,
		Bounds:             n.Bounds,
		Visible:            n.Visible,
		Enabled:            n.Enabled,
		Focused:            n.Focused,
		Checked:            n.Checked,
		Selected:           n.Selected,
		Class:              n.Class,
		AccessibilityLabel: n.AccessibilityLabel,
		Attributes:         n.Attributes,
	}
}

// fetchHierarchy adapts the driver for use as a selector.HierarchyFunc.
func (fr *FlowRunner) fetchHierarchy(ctx context.Context) (*core.UiTree, error) {
	return fr.driver.Hierarchy(ctx)
}

func (fr *FlowRunner) screenSize() (int, int) {
	if info := fr.driver.GetPlatformInfo(); info != nil && info.ScreenWidth > 0 && info.ScreenHeight > 0 {
		return info.ScreenWidth, info.ScreenHeight
	}
	return 1080, 1920
}

// resolveOne polls the hierarchy until sel matches at least one node and
// returns the first (selector.Resolve already applies index selection and
// clickable-first disambiguation for anything still ambiguous).
func (fr *FlowRunner) resolveOne(ctx context.Context, sel flow.Selector, fallback time.Duration) (*core.UiNode, error) {
	timeout := selector.EffectiveTimeout(sel, fr.flow.Config.Timeout, fallback)
	nodes, err := selector.PollUntilFound(ctx, fr.fetchHierarchy, sel, timeout)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, core.ErrElementNotFound
	}
	return nodes[0], nil
}

func (fr *FlowRunner) checkVisible(ctx context.Context, sel flow.Selector, fallback time.Duration) *core.CommandResult {
	timeout := selector.EffectiveTimeout(sel, fr.flow.Config.Timeout, fallback)
	nodes, err := selector.PollUntilFound(ctx, fr.fetchHierarchy, sel, timeout)
	if err != nil {
		return errorResult(err, "visibility check failed")
	}
	if len(nodes) == 0 {
		return errorResult(core.ErrElementNotFound, fmt.Sprintf("element not visible: %s", sel.Describe()))
	}
	return successResult(fmt.Sprintf("Element visible: %s", sel.Describe()), nodeToElement(nodes[0]))
}

func (fr *FlowRunner) checkNotVisible(ctx context.Context, sel flow.Selector, fallback time.Duration) *core.CommandResult {
	timeout := selector.EffectiveTimeout(sel, fr.flow.Config.Timeout, fallback)
	gone, err := selector.PollUntilGone(ctx, fr.fetchHierarchy, sel, timeout)
	if err != nil {
		return errorResult(err, "visibility check failed")
	}
	if !gone {
		return errorResult(core.ErrElementNotVisible, fmt.Sprintf("element still visible: %s", sel.Describe()))
	}
	return successResult(fmt.Sprintf("Element not visible: %s", sel.Describe()), nil)
}

func (fr *FlowRunner) assertVisible(ctx context.Context, sel flow.Selector) *core.CommandResult {
	return fr.checkVisible(ctx, sel, selector.DefaultAssertTimeout)
}

func (fr *FlowRunner) assertNotVisible(ctx context.Context, sel flow.Selector) *core.CommandResult {
	return fr.checkNotVisible(ctx, sel, selector.DefaultAssertTimeout)
}

func (fr *FlowRunner) waitUntil(ctx context.Context, s *flow.WaitUntilStep) *core.CommandResult {
	if s.Visible != nil {
		if r := fr.checkVisible(ctx, *s.Visible, selector.DefaultTimeout); !r.Success {
			return r
		}
	}
	if s.NotVisible != nil {
		if r := fr.checkNotVisible(ctx, *s.NotVisible, selector.DefaultTimeout); !r.Success {
			return r
		}
	}
	return successResult("Wait condition met", nil)
}

// executeAssertCondition replaces ScriptEngine.ExecuteAssertCondition now that
// the visible/notVisible branches need selector resolution against the
// driver's hierarchy rather than a driver.Execute(step) round trip.
func (fr *FlowRunner) executeAssertCondition(ctx context.Context, step *flow.AssertConditionStep) *core.CommandResult {
	cond := step.Condition

	if cond.Platform != "" {
		if info := fr.driver.GetPlatformInfo(); info != nil && !strings.EqualFold(info.Platform, cond.Platform) {
			return successResult(fmt.Sprintf("Skipped on platform %s", info.Platform), nil)
		}
	}

	if cond.Visible != nil {
		if r := fr.checkVisible(ctx, *cond.Visible, selector.DefaultAssertTimeout); !r.Success {
			return errorResult(fmt.Errorf("visible condition failed"), "assertCondition: visible element not found")
		}
	}

	if cond.NotVisible != nil {
		if r := fr.checkNotVisible(ctx, *cond.NotVisible, selector.DefaultAssertTimeout); !r.Success {
			return errorResult(fmt.Errorf("notVisible condition failed"), "assertCondition: element is still visible")
		}
	}

	if cond.Script != "" {
		ok, err := fr.script.EvalCondition(cond.Script)
		if err != nil {
			return errorResult(err, fmt.Sprintf("Script condition evaluation failed: %v", err))
		}
		if !ok {
			return errorResult(fmt.Errorf("script condition returned false"), fmt.Sprintf("assertCondition: %s returned false", cond.Script))
		}
	}

	return successResult("Condition passed", nil)
}

// checkCondition replaces ScriptEngine.CheckCondition for the same reason.
func (fr *FlowRunner) checkCondition(ctx context.Context, cond flow.Condition) bool {
	if cond.Visible != nil {
		if r := fr.checkVisible(ctx, *cond.Visible, selector.DefaultAssertTimeout); !r.Success {
			return false
		}
	}
	if cond.NotVisible != nil {
		if r := fr.checkNotVisible(ctx, *cond.NotVisible, selector.DefaultAssertTimeout); !r.Success {
			return false
		}
	}
	if cond.Script != "" {
		ok, err := fr.script.EvalCondition(cond.Script)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// executeConditional runs the then or else branch of a conditional step.
func (fr *FlowRunner) executeConditional(step *flow.ConditionalStep) *core.CommandResult {
	fr.depth++
	defer func() { fr.depth-- }()

	branch := step.Steps
	label := "then"
	if !fr.checkCondition(fr.ctx, step.When) {
		branch = step.Else
		label = "else"
	}
	for _, nestedStep := range branch {
		result := fr.executeNestedStep(nestedStep)
		if !result.Success && !nestedStep.IsOptional() {
			return result
		}
	}
	return successResult(fmt.Sprintf("Conditional (%s branch) completed", label), nil)
}

func isEmptySelector(sel flow.Selector) bool {
	return sel.Text == "" && sel.Regex == "" && sel.ID == "" && sel.XPath == "" &&
		sel.Role == "" && sel.Placeholder == "" && sel.Image == "" && sel.Point == "" &&
		sel.ChildOf == nil && sel.Below == nil && sel.Above == nil &&
		sel.LeftOf == nil && sel.RightOf == nil && sel.ContainsChild == nil &&
		sel.InsideOf == nil && len(sel.ContainsDescendants) == 0
}

func (fr *FlowRunner) tapElement(ctx context.Context, sel flow.Selector, longPress bool, retryIfNoChange *bool, waitToSettleMs int) *core.CommandResult {
	node, err := fr.resolveOne(ctx, sel, selector.DefaultTimeout)
	if err != nil {
		return errorResult(err, fmt.Sprintf("element not found: %s", sel.Describe()))
	}

	tapFn := func(ctx context.Context, x, y int) error {
		if longPress {
			return fr.driver.LongPress(ctx, x, y, 1000)
		}
		return fr.driver.Tap(ctx, x, y)
	}

	retry := retryIfNoChange == nil || *retryIfNoChange
	var tapErr error
	if retry {
		tapErr = selector.TapWithRetryIfNoChange(ctx, tapFn, fr.fetchHierarchy, node.Bounds)
	} else {
		x, y := node.Bounds.Center()
		tapErr = tapFn(ctx, x, y)
	}
	if tapErr != nil {
		return errorResult(tapErr, "tap failed")
	}

	if waitToSettleMs > 0 {
		time.Sleep(time.Duration(waitToSettleMs) * time.Millisecond)
	}
	return successResult(fmt.Sprintf("Tapped %s", sel.Describe()), nodeToElement(node))
}

func (fr *FlowRunner) tapOnPoint(ctx context.Context, s *flow.TapOnPointStep) *core.CommandResult {
	x, y := s.X, s.Y
	if s.Point != "" {
		w, h := fr.screenSize()
		px, py, ok := selector.ParsePoint(s.Point, w, h)
		if !ok {
			return errorResult(fmt.Errorf("invalid point: %s", s.Point), "tapOnPoint failed")
		}
		x, y = px, py
	}

	tapFn := func(ctx context.Context, x, y int) error {
		if s.LongPress {
			return fr.driver.LongPress(ctx, x, y, 1000)
		}
		return fr.driver.Tap(ctx, x, y)
	}

	repeat := s.Repeat
	if repeat <= 0 {
		repeat = 1
	}
	retry := s.RetryTapIfNoChange == nil || *s.RetryTapIfNoChange
	for i := 0; i < repeat; i++ {
		var err error
		if retry {
			err = selector.TapWithRetryIfNoChange(ctx, tapFn, fr.fetchHierarchy, core.Bounds{X: x, Y: y, Width: 1, Height: 1})
		} else {
			err = tapFn(ctx, x, y)
		}
		if err != nil {
			return errorResult(err, "tapOnPoint failed")
		}
	}
	if s.WaitToSettleTimeoutMs > 0 {
		time.Sleep(time.Duration(s.WaitToSettleTimeoutMs) * time.Millisecond)
	}
	return successResult(fmt.Sprintf("Tapped point (%d, %d)", x, y), nil)
}

func scrollCoords(direction string, w, h int) (sx, sy, ex, ey int) {
	cx, cy := w/2, h/2
	switch strings.ToLower(direction) {
	case "up":
		return cx, h / 4, cx, h * 3 / 4
	case "left":
		return w / 4, cy, w * 3 / 4, cy
	case "right":
		return w * 3 / 4, cy, w / 4, cy
	default: // "down"
		return cx, h * 3 / 4, cx, h / 4
	}
}

func (fr *FlowRunner) scroll(ctx context.Context, s *flow.ScrollStep) *core.CommandResult {
	w, h := fr.screenSize()
	sx, sy, ex, ey := scrollCoords(s.Direction, w, h)
	if err := fr.driver.Swipe(ctx, sx, sy, ex, ey, 300); err != nil {
		return errorResult(err, "scroll failed")
	}
	return successResult("Scrolled "+s.Direction, nil)
}

func (fr *FlowRunner) scrollUntilVisible(ctx context.Context, s *flow.ScrollUntilVisibleStep) *core.CommandResult {
	maxScrolls := s.MaxScrolls
	if maxScrolls <= 0 {
		maxScrolls = 10
	}
	w, h := fr.screenSize()
	sx, sy, ex, ey := scrollCoords(s.Direction, w, h)
	timeout := selector.EffectiveTimeout(s.Element, fr.flow.Config.Timeout, selector.DefaultTimeout)
	deadline := time.Now().Add(timeout)

	for i := 0; i < maxScrolls; i++ {
		tree, err := fr.fetchHierarchy(ctx)
		if err != nil {
			return errorResult(err, "scrollUntilVisible failed")
		}
		if nodes := selector.Resolve(tree, s.Element); len(nodes) > 0 {
			return successResult(fmt.Sprintf("Found %s after %d scroll(s)", s.Element.Describe(), i), nodeToElement(nodes[0]))
		}
		if time.Now().After(deadline) {
			break
		}
		if err := fr.driver.Swipe(ctx, sx, sy, ex, ey, 300); err != nil {
			return errorResult(err, "scrollUntilVisible failed")
		}
		if s.WaitToSettleTimeoutMs > 0 {
			time.Sleep(time.Duration(s.WaitToSettleTimeoutMs) * time.Millisecond)
		}
	}
	return errorResult(core.ErrElementNotFound, fmt.Sprintf("element %s not visible after %d scrolls", s.Element.Describe(), maxScrolls))
}

func (fr *FlowRunner) swipe(ctx context.Context, s *flow.SwipeStep) *core.CommandResult {
	w, h := fr.screenSize()
	var sx, sy, ex, ey int

	switch {
	case s.Start != "" && s.End != "":
		var ok bool
		sx, sy, ok = selector.ParsePoint(s.Start, w, h)
		if !ok {
			return errorResult(fmt.Errorf("invalid start point: %s", s.Start), "swipe failed")
		}
		ex, ey, ok = selector.ParsePoint(s.End, w, h)
		if !ok {
			return errorResult(fmt.Errorf("invalid end point: %s", s.End), "swipe failed")
		}
	case s.StartX != 0 || s.StartY != 0 || s.EndX != 0 || s.EndY != 0:
		sx, sy, ex, ey = s.StartX, s.StartY, s.EndX, s.EndY
	case s.Selector != nil:
		node, err := fr.resolveOne(ctx, *s.Selector, selector.DefaultTimeout)
		if err != nil {
			return errorResult(err, "swipe element not found")
		}
		startX, startY, endX, endY := scrollCoords(s.Direction, w, h)
		sx, sy = node.Bounds.Center()
		ex, ey = sx+(endX-startX), sy+(endY-startY)
	default:
		sx, sy, ex, ey = scrollCoords(s.Direction, w, h)
	}

	duration := s.Duration
	if duration <= 0 {
		duration = 300
	}
	if err := fr.driver.Swipe(ctx, sx, sy, ex, ey, duration); err != nil {
		return errorResult(err, "swipe failed")
	}
	if s.WaitToSettleTimeoutMs > 0 {
		time.Sleep(time.Duration(s.WaitToSettleTimeoutMs) * time.Millisecond)
	}
	return successResult("Swiped "+s.Direction, nil)
}

func (fr *FlowRunner) inputText(ctx context.Context, s *flow.InputTextStep) *core.CommandResult {
	if !isEmptySelector(s.Selector) {
		node, err := fr.resolveOne(ctx, s.Selector, selector.DefaultTimeout)
		if err != nil {
			return errorResult(err, "input target not found")
		}
		x, y := node.Bounds.Center()
		if err := fr.driver.Tap(ctx, x, y); err != nil {
			return errorResult(err, "failed to focus input target")
		}
	}
	if err := fr.driver.InputText(ctx, s.Text); err != nil {
		return errorResult(err, "input text failed")
	}
	return successResult(fmt.Sprintf("Input text: %s", s.Text), nil)
}

func (fr *FlowRunner) inputRandom(ctx context.Context, s *flow.InputRandomStep) *core.CommandResult {
	length := s.Length
	if length <= 0 {
		length = 10
	}
	var text string
	switch strings.ToUpper(s.DataType) {
	case "EMAIL":
		text = randomEmail()
	case "NUMBER":
		text = randomNumber(length)
	case "PERSON_NAME":
		text = randomPersonName()
	default:
		text = randomString(length)
	}
	if err := fr.driver.InputText(ctx, text); err != nil {
		return errorResult(err, "input random failed")
	}
	return &core.CommandResult{Success: true, Message: fmt.Sprintf("Entered random %s: %s", s.DataType, text), Data: text}
}

func (fr *FlowRunner) generate(s *flow.GenerateStep) *core.CommandResult {
	length := s.Length
	if length <= 0 {
		length = 10
	}
	var value string
	switch strings.ToUpper(s.DataType) {
	case "EMAIL":
		value = randomEmail()
	case "NUMBER":
		value = randomNumber(length)
	case "PERSON_NAME":
		value = randomPersonName()
	case "UUID":
		value = uuid.NewString()
	default:
		value = randomString(length)
	}
	fr.script.SetVariable(s.Name, value)
	return &core.CommandResult{Success: true, Message: fmt.Sprintf("Generated %s for %s", s.DataType, s.Name), Data: value}
}

func (fr *FlowRunner) copyTextFrom(ctx context.Context, s *flow.CopyTextFromStep) *core.CommandResult {
	node, err := fr.resolveOne(ctx, s.Selector, selector.DefaultTimeout)
	if err != nil {
		return errorResult(err, "copy text source not found")
	}
	text := node.Text
	_ = fr.driver.ClipboardSet(ctx, text) // best-effort; in-memory copiedText carries pasteText either way
	return &core.CommandResult{Success: true, Message: fmt.Sprintf("Copied text: %s", text), Data: text}
}

func (fr *FlowRunner) pasteText(ctx context.Context) *core.CommandResult {
	text := fr.script.GetCopiedText()
	if text == "" {
		if t, err := fr.driver.ClipboardGet(ctx); err == nil {
			text = t
		}
	}
	if text == "" {
		return errorResult(fmt.Errorf("no text to paste"), "pasteText failed")
	}
	if err := fr.driver.InputText(ctx, text); err != nil {
		return errorResult(err, "pasteText failed")
	}
	return successResult(fmt.Sprintf("Pasted text: %s", text), nil)
}

func (fr *FlowRunner) launchApp(ctx context.Context, s *flow.LaunchAppStep) *core.CommandResult {
	appID := s.AppID
	if appID == "" {
		appID = fr.flow.Config.AppID
	}
	if s.StopApp == nil || *s.StopApp {
		_ = fr.driver.StopApp(ctx, appID)
	}
	opts := core.LaunchOptions{
		ClearState:    s.ClearState,
		ClearKeychain: s.ClearKeychain,
		Permissions:   s.Permissions,
		Arguments:     stringifyArgs(s.Arguments),
	}
	if err := fr.driver.LaunchApp(ctx, appID, opts); err != nil {
		return errorResult(err, "launch app failed")
	}
	return successResult("Launched "+appID, nil)
}

func stringifyArgs(args map[string]any) map[string]string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

func (fr *FlowRunner) setPermissions(ctx context.Context, s *flow.SetPermissionsStep) *core.CommandResult {
	appID := s.AppID
	if appID == "" {
		appID = fr.flow.Config.AppID
	}
	if err := fr.driver.LaunchApp(ctx, appID, core.LaunchOptions{Permissions: s.Permissions}); err != nil {
		return errorResult(err, "set permissions failed")
	}
	return successResult("Set permissions", nil)
}

func parseGeoPoints(points []string) ([]core.GeoPoint, error) {
	out := make([]core.GeoPoint, 0, len(points))
	for _, p := range points {
		parts := strings.Split(p, ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid point: %s", p)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid latitude in point %q: %w", p, err)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid longitude in point %q: %w", p, err)
		}
		out = append(out, core.GeoPoint{Latitude: lat, Longitude: lon})
	}
	return out, nil
}

func (fr *FlowRunner) setLocation(ctx context.Context, s *flow.SetLocationStep) *core.CommandResult {
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(s.Latitude), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(s.Longitude), 64)
	if err1 != nil || err2 != nil {
		return errorResult(fmt.Errorf("invalid coordinates: %s, %s", s.Latitude, s.Longitude), "setLocation failed")
	}
	if err := fr.driver.MockLocationStart(ctx, "default", []core.GeoPoint{{Latitude: lat, Longitude: lon}}, 0); err != nil {
		return errorResult(err, "setLocation failed")
	}
	return successResult(fmt.Sprintf("Set location to %s, %s", s.Latitude, s.Longitude), nil)
}

func (fr *FlowRunner) travel(ctx context.Context, s *flow.TravelStep) *core.CommandResult {
	points, err := parseGeoPoints(s.Points)
	if err != nil {
		return errorResult(err, "travel failed")
	}
	if err := fr.driver.MockLocationStart(ctx, "travel", points, s.Speed); err != nil {
		return errorResult(err, "travel failed")
	}
	return successResult(fmt.Sprintf("Started travel across %d point(s)", len(points)), nil)
}

func (fr *FlowRunner) takeScreenshot(s *flow.TakeScreenshotStep) *core.CommandResult {
	data, err := fr.driver.Screenshot(fr.ctx)
	if err != nil {
		return errorResult(err, "screenshot failed")
	}
	path := s.Path
	if path == "" {
		path = fmt.Sprintf("screenshot-%d", len(fr.subCommands))
	}
	resolved := fr.script.ResolvePath(path)
	if !strings.HasSuffix(resolved, ".png") {
		resolved += ".png"
	}
	if err := os.WriteFile(resolved, data, 0o644); err != nil {
		return errorResult(err, "failed to save screenshot")
	}
	return successResult("Saved screenshot to "+resolved, nil)
}

func (fr *FlowRunner) startRecording(ctx context.Context, s *flow.StartRecordingStep) *core.CommandResult {
	path := s.Path
	if path == "" {
		path = "recording"
	}
	resolved := fr.script.ResolvePath(path)
	if !strings.HasSuffix(resolved, ".mp4") {
		resolved += ".mp4"
	}
	if err := fr.driver.StartRecording(ctx, resolved); err != nil {
		return errorResult(err, "startRecording failed")
	}
	return successResult("Started recording to "+resolved, nil)
}

func (fr *FlowRunner) assertColor(ctx context.Context, s *flow.AssertColorStep) *core.CommandResult {
	data, err := fr.driver.Screenshot(ctx)
	if err != nil {
		return errorResult(err, "assertColor failed: could not capture screenshot")
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return errorResult(err, "assertColor failed: could not decode screenshot")
	}

	var x, y int
	switch {
	case s.Selector != nil:
		node, err := fr.resolveOne(ctx, *s.Selector, selector.DefaultAssertTimeout)
		if err != nil {
			return errorResult(err, "assertColor failed: element not found")
		}
		x, y = node.Bounds.Center()
	case s.Point != "":
		w, h := fr.screenSize()
		var ok bool
		x, y, ok = selector.ParsePoint(s.Point, w, h)
		if !ok {
			return errorResult(fmt.Errorf("invalid point: %s", s.Point), "assertColor failed")
		}
	default:
		return errorResult(fmt.Errorf("assertColor requires a selector or point"), "assertColor failed")
	}

	b := img.Bounds()
	if x < b.Min.X || x >= b.Max.X || y < b.Min.Y || y >= b.Max.Y {
		return errorResult(fmt.Errorf("point (%d,%d) outside screenshot bounds", x, y), "assertColor failed")
	}
	r, g, bl, _ := img.At(x, y).RGBA()
	actual := fmt.Sprintf("#%02x%02x%02x", r>>8, g>>8, bl>>8)
	if !colorWithinTolerance(actual, s.Color, s.Tolerance) {
		return errorResult(core.ErrTextMismatch, fmt.Sprintf("color at (%d,%d) = %s, expected %s", x, y, actual, s.Color))
	}
	return successResult(fmt.Sprintf("Color at (%d,%d) matches %s", x, y, s.Color), nil)
}

func colorWithinTolerance(actual, expected string, tolerance int) bool {
	ar, ag, ab, err1 := parseHexColor(actual)
	er, eg, eb, err2 := parseHexColor(expected)
	if err1 != nil || err2 != nil {
		return strings.EqualFold(actual, expected)
	}
	return absInt(ar-er) <= tolerance && absInt(ag-eg) <= tolerance && absInt(ab-eb) <= tolerance
}

func parseHexColor(s string) (r, g, b int, err error) {
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return 0, 0, 0, fmt.Errorf("invalid color: %s", s)
	}
	v, err := strconv.ParseInt(s, 16, 32)
	if err != nil {
		return 0, 0, 0, err
	}
	return int(v >> 16 & 0xff), int(v >> 8 & 0xff), int(v & 0xff), nil
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func (fr *FlowRunner) assertPerformance(s *flow.AssertPerformanceStep) *core.CommandResult {
	switch strings.ToLower(s.Metric) {
	case "", "step_duration_ms", "duration_ms":
		ms := float64(fr.lastStepDuration.Milliseconds())
		if ms > s.MaxValue {
			return errorResult(core.ErrConditionNotMet, fmt.Sprintf("%s = %.0fms exceeds max %.0fms", s.Metric, ms, s.MaxValue))
		}
		return successResult(fmt.Sprintf("%s = %.0fms within budget", s.Metric, ms), nil)
	default:
		return errorResult(core.ErrUnsupported, fmt.Sprintf("unsupported performance metric: %s", s.Metric))
	}
}

func (fr *FlowRunner) httpRequest(ctx context.Context, s *flow.HTTPRequestStep) *core.CommandResult {
	method := s.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if s.Body != "" {
		body = strings.NewReader(fr.script.ExpandVariables(s.Body))
	}
	req, err := http.NewRequestWithContext(ctx, method, fr.script.ExpandVariables(s.URL), body)
	if err != nil {
		return errorResult(err, "httpRequest failed")
	}
	for k, v := range s.Headers {
		req.Header.Set(k, fr.script.ExpandVariables(v))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errorResult(err, "httpRequest failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResult(err, "httpRequest failed: could not read response")
	}
	if s.SaveAs != "" {
		fr.script.SetVariable(s.SaveAs, string(data))
	}
	if resp.StatusCode >= 400 {
		return errorResult(fmt.Errorf("http status %d", resp.StatusCode), fmt.Sprintf("httpRequest returned %d", resp.StatusCode))
	}
	return &core.CommandResult{Success: true, Message: fmt.Sprintf("%s %s -> %d", method, s.URL, resp.StatusCode), Data: string(data)}
}

// dbQuery runs a SQL query through database/sql. The concrete driver named
// by step.Driver must be registered with a blank import somewhere in the
// consuming binary (e.g. cmd/flowrunner) - this runner intentionally
// doesn't bundle one so operators pick the driver their target DB needs.
func (fr *FlowRunner) dbQuery(s *flow.DBQueryStep) *core.CommandResult {
	db, err := sql.Open(s.Driver, fr.script.ExpandVariables(s.DSN))
	if err != nil {
		return errorResult(err, fmt.Sprintf("dbQuery failed: driver %q not registered", s.Driver))
	}
	defer db.Close()

	rows, err := db.Query(fr.script.ExpandVariables(s.Query))
	if err != nil {
		return errorResult(err, "dbQuery failed")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return errorResult(err, "dbQuery failed")
	}

	var value string
	if rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return errorResult(err, "dbQuery failed")
		}
		if len(vals) > 0 {
			value = fmt.Sprintf("%v", vals[0])
		}
	}
	if s.SaveAs != "" {
		fr.script.SetVariable(s.SaveAs, value)
	}
	return &core.CommandResult{Success: true, Message: "Query executed", Data: value}
}

func (fr *FlowRunner) buildGif(s *flow.BuildGifStep) *core.CommandResult {
	if len(fr.gifFrames) == 0 {
		return errorResult(fmt.Errorf("no frames captured"), "buildGif failed")
	}
	anim := &gif.GIF{}
	for _, frameData := range fr.gifFrames {
		img, err := png.Decode(bytes.NewReader(frameData))
		if err != nil {
			return errorResult(err, "buildGif failed: could not decode frame")
		}
		paletted := image.NewPaletted(img.Bounds(), palette.Plan9)
		draw.Draw(paletted, img.Bounds(), img, image.Point{}, draw.Src)
		anim.Image = append(anim.Image, paletted)
		anim.Delay = append(anim.Delay, 50)
	}

	path := s.Path
	if path == "" {
		path = "capture"
	}
	resolved := fr.script.ResolvePath(path)
	if !strings.HasSuffix(resolved, ".gif") {
		resolved += ".gif"
	}
	f, err := os.Create(resolved)
	if err != nil {
		return errorResult(err, "buildGif failed: could not create file")
	}
	defer f.Close()
	if err := gif.EncodeAll(f, anim); err != nil {
		return errorResult(err, "buildGif failed: could not encode gif")
	}
	fr.gifFrames = nil
	return successResult("Built gif at "+resolved, nil)
}

// dispatch executes every leaf (non-control-flow, non-scripting) step type
// against the Driver's fine-grained capabilities and the selector resolver.
// Control-flow steps (repeat/retry/runFlow/conditional) and scripting steps
// (defineVariables/runScript/evalScript/assertTrue/assertCondition) are
// handled directly in executeStep/executeNestedStep and never reach here.
func (fr *FlowRunner) dispatch(ctx context.Context, step flow.Step) *core.CommandResult {
	switch s := step.(type) {
	case *flow.TapOnStep:
		repeat := s.Repeat
		if repeat <= 0 {
			repeat = 1
		}
		var result *core.CommandResult
		for i := 0; i < repeat; i++ {
			result = fr.tapElement(ctx, s.Selector, s.LongPress, s.RetryTapIfNoChange, s.WaitToSettleTimeoutMs)
			if !result.Success {
				return result
			}
			if s.DelayMs > 0 {
				time.Sleep(time.Duration(s.DelayMs) * time.Millisecond)
			}
		}
		return result
	case *flow.DoubleTapOnStep:
		if r := fr.tapElement(ctx, s.Selector, false, s.RetryTapIfNoChange, 0); !r.Success {
			return r
		}
		time.Sleep(100 * time.Millisecond)
		return fr.tapElement(ctx, s.Selector, false, s.RetryTapIfNoChange, s.WaitToSettleTimeoutMs)
	case *flow.LongPressOnStep:
		return fr.tapElement(ctx, s.Selector, true, s.RetryTapIfNoChange, s.WaitToSettleTimeoutMs)
	case *flow.TapOnPointStep:
		return fr.tapOnPoint(ctx, s)
	case *flow.SwipeStep:
		return fr.swipe(ctx, s)
	case *flow.ScrollStep:
		return fr.scroll(ctx, s)
	case *flow.ScrollUntilVisibleStep:
		return fr.scrollUntilVisible(ctx, s)
	case *flow.BackStep:
		if err := fr.driver.Back(ctx); err != nil {
			return errorResult(err, "back failed")
		}
		return successResult("Pressed back", nil)
	case *flow.HideKeyboardStep:
		if err := fr.driver.HideKeyboard(ctx); err != nil {
			return errorResult(err, "hide keyboard failed")
		}
		return successResult("Hid keyboard", nil)
	case *flow.InputTextStep:
		return fr.inputText(ctx, s)
	case *flow.InputRandomStep:
		return fr.inputRandom(ctx, s)
	case *flow.EraseTextStep:
		n := s.Characters
		if n <= 0 {
			n = 50
		}
		if err := fr.driver.Erase(ctx, n); err != nil {
			return errorResult(err, "erase failed")
		}
		return successResult(fmt.Sprintf("Erased %d character(s)", n), nil)
	case *flow.SetClipboardStep:
		if err := fr.driver.ClipboardSet(ctx, s.Text); err != nil {
			return errorResult(err, "set clipboard failed")
		}
		return successResult("Set clipboard", nil)
	case *flow.ClipboardAssertStep:
		text, err := fr.driver.ClipboardGet(ctx)
		if err != nil {
			return errorResult(err, "clipboardAssert failed")
		}
		if s.Equals != "" && text != fr.script.ExpandVariables(s.Equals) {
			return errorResult(core.ErrTextMismatch, fmt.Sprintf("clipboard = %q, expected %q", text, s.Equals))
		}
		if s.Contains != "" && !strings.Contains(text, fr.script.ExpandVariables(s.Contains)) {
			return errorResult(core.ErrTextMismatch, fmt.Sprintf("clipboard %q does not contain %q", text, s.Contains))
		}
		return successResult("Clipboard matches", nil)
	case *flow.AssertVisibleStep:
		return fr.assertVisible(ctx, s.Selector)
	case *flow.AssertNotVisibleStep:
		return fr.assertNotVisible(ctx, s.Selector)
	case *flow.AssertVarStep:
		value := fr.script.GetVariable(s.Name)
		if s.Equals != "" && value != fr.script.ExpandVariables(s.Equals) {
			return errorResult(core.ErrTextMismatch, fmt.Sprintf("variable %s = %q, expected %q", s.Name, value, s.Equals))
		}
		if s.Contains != "" && !strings.Contains(value, fr.script.ExpandVariables(s.Contains)) {
			return errorResult(core.ErrTextMismatch, fmt.Sprintf("variable %s = %q does not contain %q", s.Name, value, s.Contains))
		}
		return successResult(fmt.Sprintf("Variable %s matches", s.Name), nil)
	case *flow.AssertColorStep:
		return fr.assertColor(ctx, s)
	case *flow.AssertPerformanceStep:
		return fr.assertPerformance(s)
	case *flow.AssertNoDefectsWithAIStep, *flow.AssertWithAIStep, *flow.ExtractTextWithAIStep:
		return errorResult(core.ErrUnsupported, "AI-assisted assertions are not supported by this runner's driver interface")
	case *flow.WaitUntilStep:
		return fr.waitUntil(ctx, s)
	case *flow.GenerateStep:
		return fr.generate(s)
	case *flow.LaunchAppStep:
		return fr.launchApp(ctx, s)
	case *flow.StopAppStep:
		if err := fr.driver.StopApp(ctx, s.AppID); err != nil {
			return errorResult(err, "stop app failed")
		}
		return successResult("Stopped app", nil)
	case *flow.KillAppStep:
		if err := fr.driver.StopApp(ctx, s.AppID); err != nil {
			return errorResult(err, "kill app failed")
		}
		return successResult("Killed app", nil)
	case *flow.ClearStateStep:
		if err := fr.driver.ClearAppData(ctx, s.AppID); err != nil {
			return errorResult(err, "clear state failed")
		}
		return successResult("Cleared app state", nil)
	case *flow.ClearKeychainStep:
		if err := fr.driver.ClearAppData(ctx, fr.flow.Config.AppID); err != nil {
			return errorResult(err, "clear keychain failed")
		}
		return successResult("Cleared keychain", nil)
	case *flow.SetPermissionsStep:
		return fr.setPermissions(ctx, s)
	case *flow.SetLocationStep:
		return fr.setLocation(ctx, s)
	case *flow.MockLocationStep:
		points, err := parseGeoPoints(s.Points)
		if err != nil {
			return errorResult(err, "mockLocation failed")
		}
		name := s.Name
		if name == "" {
			name = "default"
		}
		if err := fr.driver.MockLocationStart(ctx, name, points, s.Speed); err != nil {
			return errorResult(err, "mockLocation failed")
		}
		return successResult(fmt.Sprintf("Started mock location '%s'", name), nil)
	case *flow.MockLocationControlStep:
		name := s.Name
		if name == "" {
			name = "default"
		}
		if err := fr.driver.MockLocationControl(ctx, name, s.Command); err != nil {
			return errorResult(err, "mockLocationControl failed")
		}
		return successResult(fmt.Sprintf("Sent '%s' to mock location '%s'", s.Command, name), nil)
	case *flow.StopMockLocationStep:
		name := s.Name
		if name == "" {
			name = "default"
		}
		if err := fr.driver.MockLocationStop(ctx, name); err != nil {
			return errorResult(err, "stopMockLocation failed")
		}
		return successResult(fmt.Sprintf("Stopped mock location '%s'", name), nil)
	case *flow.WaitForLocationStep, *flow.WaitForMockCompletionStep:
		return errorResult(core.ErrUnsupported, "waiting on device-reported location is not supported by this runner's driver interface")
	case *flow.TravelStep:
		return fr.travel(ctx, s)
	case *flow.SetOrientationStep:
		if err := fr.driver.SetOrientation(ctx, s.Orientation); err != nil {
			return errorResult(err, "set orientation failed")
		}
		return successResult("Set orientation to "+s.Orientation, nil)
	case *flow.RotateStep:
		if err := fr.driver.SetOrientation(ctx, s.Orientation); err != nil {
			return errorResult(err, "rotate failed")
		}
		return successResult("Rotated to "+s.Orientation, nil)
	case *flow.SetAirplaneModeStep:
		fr.airplaneModeOn = s.Enabled
		if err := fr.driver.SetAirplaneMode(ctx, s.Enabled); err != nil {
			return errorResult(err, "setAirplaneMode failed")
		}
		return successResult(fmt.Sprintf("Set airplane mode to %v", s.Enabled), nil)
	case *flow.ToggleAirplaneModeStep:
		fr.airplaneModeOn = !fr.airplaneModeOn
		if err := fr.driver.SetAirplaneMode(ctx, fr.airplaneModeOn); err != nil {
			return errorResult(err, "toggleAirplaneMode failed")
		}
		return successResult(fmt.Sprintf("Toggled airplane mode to %v", fr.airplaneModeOn), nil)
	case *flow.SetNetworkStep:
		if err := fr.driver.SetNetwork(ctx, s.NetworkType); err != nil {
			return errorResult(err, "setNetwork failed")
		}
		return successResult("Set network to "+s.NetworkType, nil)
	case *flow.SetVolumeStep:
		if err := fr.driver.SetVolume(ctx, s.Level); err != nil {
			return errorResult(err, "setVolume failed")
		}
		return successResult(fmt.Sprintf("Set volume to %.2f", s.Level), nil)
	case *flow.LockStep:
		if err := fr.driver.Lock(ctx); err != nil {
			return errorResult(err, "lock failed")
		}
		return successResult("Locked device", nil)
	case *flow.UnlockStep:
		if err := fr.driver.Unlock(ctx); err != nil {
			return errorResult(err, "unlock failed")
		}
		return successResult("Unlocked device", nil)
	case *flow.OpenQuickSettingsStep:
		if err := fr.driver.OpenQuickSettings(ctx); err != nil {
			return errorResult(err, "openQuickSettings failed")
		}
		return successResult("Opened quick settings", nil)
	case *flow.OpenNotificationsStep:
		if err := fr.driver.OpenNotifications(ctx); err != nil {
			return errorResult(err, "openNotifications failed")
		}
		return successResult("Opened notifications", nil)
	case *flow.OpenLinkStep:
		autoVerify := s.AutoVerify == nil || *s.AutoVerify
		browser := s.Browser != nil && *s.Browser
		if err := fr.driver.OpenLink(ctx, s.Link, autoVerify, browser); err != nil {
			return errorResult(err, "openLink failed")
		}
		return successResult("Opened link: "+s.Link, nil)
	case *flow.OpenBrowserStep:
		if err := fr.driver.OpenLink(ctx, s.URL, true, true); err != nil {
			return errorResult(err, "openBrowser failed")
		}
		return successResult("Opened browser at "+s.URL, nil)
	case *flow.TakeScreenshotStep:
		return fr.takeScreenshot(s)
	case *flow.StartRecordingStep:
		return fr.startRecording(ctx, s)
	case *flow.StopRecordingStep:
		if err := fr.driver.StopRecording(ctx); err != nil {
			return errorResult(err, "stopRecording failed")
		}
		return successResult("Stopped recording", nil)
	case *flow.AddMediaStep:
		return errorResult(core.ErrUnsupported, "adding media to the device library is not supported by this runner's driver interface")
	case *flow.CaptureGifFrameStep:
		data, err := fr.driver.Screenshot(ctx)
		if err != nil {
			return errorResult(err, "captureGifFrame failed")
		}
		fr.gifFrames = append(fr.gifFrames, data)
		return successResult(fmt.Sprintf("Captured gif frame %d", len(fr.gifFrames)), nil)
	case *flow.StartGifCaptureStep:
		fr.gifFrames = nil
		return successResult("Started gif capture", nil)
	case *flow.StopGifCaptureStep:
		return successResult(fmt.Sprintf("Stopped gif capture (%d frame(s) buffered)", len(fr.gifFrames)), nil)
	case *flow.BuildGifStep:
		return fr.buildGif(s)
	case *flow.PressKeyStep:
		if err := fr.driver.PressKey(ctx, s.Key); err != nil {
			return errorResult(err, "pressKey failed")
		}
		return successResult("Pressed key: "+s.Key, nil)
	case *flow.WaitForAnimationToEndStep:
		select {
		case <-ctx.Done():
			return errorResult(ctx.Err(), "waitForAnimationToEnd cancelled")
		case <-time.After(500 * time.Millisecond):
		}
		return successResult("Waited for animations to settle", nil)
	case *flow.HTTPRequestStep:
		return fr.httpRequest(ctx, s)
	case *flow.RunShellStep:
		output, err := fr.driver.ExecuteShell(ctx, fr.script.ExpandVariables(s.Command))
		if err != nil {
			return errorResult(err, "runShell failed")
		}
		if s.SaveAs != "" {
			fr.script.SetVariable(s.SaveAs, output)
		}
		return &core.CommandResult{Success: true, Message: "Shell command completed", Data: output}
	case *flow.DBQueryStep:
		return fr.dbQuery(s)
	case *flow.WebNavigateStep:
		if err := fr.driver.OpenLink(ctx, fr.script.ExpandVariables(s.URL), true, true); err != nil {
			return errorResult(err, "webNavigate failed")
		}
		return successResult("Navigated to "+s.URL, nil)
	case *flow.WebClickStep:
		return fr.tapElement(ctx, s.Selector, false, nil, 0)
	case *flow.WebTypeStep:
		return fr.inputText(ctx, &flow.InputTextStep{Text: s.Text, Selector: s.Selector})
	case *flow.UnsupportedStep:
		if fr.config.Bus != nil {
			fr.config.Bus.Publish(TestEvent{
				Type: EventLog, Depth: fr.depth + 1, Message: "Skipped unsupported command: " + s.Reason,
			})
		}
		return successResult("Skipped unsupported command: "+s.Reason, nil)
	default:
		return errorResult(core.ErrUnsupported, fmt.Sprintf("no handler for step type %s", step.Type()))
	}
}
