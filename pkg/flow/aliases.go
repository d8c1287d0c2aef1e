package flow

// stepAliases maps a shorthand command name onto its canonical StepType,
// consulted before the exact-name isStepType check. Declared once here
// rather than scattered across decodeStep, per the single-registry shape
// the parser's alias resolution expects.
var stepAliases = map[string]StepType{
	"tap":               StepTapOn,
	"doubleTap":         StepDoubleTapOn,
	"longPress":         StepLongPressOn,
	"see":               StepAssertVisible,
	"dontSee":           StepAssertNotVisible,
	"type":              StepInputText,
	"gps":               StepMockLocation,
	"stopGps":           StepStopMockLocation,
	"await":             StepWaitUntil,
	"click":             StepTapOn,
	"goBack":            StepBack,
	"screenshot":        StepTakeScreenshot,
	"record":            StepStartRecording,
	"stopRecord":        StepStopRecording,
	"shell":             StepRunShell,
	"fetch":             StepHTTPRequest,
	"sql":               StepDBQuery,
	"navigate":          StepWebNavigate,
}

// canonicalStepType resolves a parsed command name to its canonical
// StepType, applying the alias table first.
func canonicalStepType(name string) (StepType, bool) {
	if canon, ok := stepAliases[name]; ok {
		return canon, true
	}
	if isStepType(name) {
		return StepType(name), true
	}
	return "", false
}
