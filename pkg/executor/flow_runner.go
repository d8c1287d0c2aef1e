package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/devicelab-dev/flowrunner/pkg/core"
	"github.com/devicelab-dev/flowrunner/pkg/flow"
	"github.com/devicelab-dev/flowrunner/pkg/report"
)

// FlowRunner executes a single flow.
type FlowRunner struct {
	ctx         context.Context
	flow        flow.Flow
	detail      *report.FlowDetail
	driver      core.Driver
	config      RunnerConfig
	indexWriter *report.IndexWriter
	flowWriter  *report.FlowWriter
	script      *ScriptEngine
	execCtx     *Context // Per-flow BaseDir/OutputDir/AppID/Env/timeout, cloned for sub-flows
	depth       int // Nesting depth: enclosing runFlow/repeat/retry/conditional frames
	flowIdx     int // Current flow index (0-based)
	totalFlows  int // Total number of flows
	// Step counters
	stepsPassed  int
	stepsFailed  int
	stepsSkipped int
	// Sub-command tracking for compound steps (runFlow, repeat, retry)
	subCommands []report.Command
	// Device-state bookkeeping dispatch.go needs across steps
	airplaneModeOn   bool
	gifFrames        [][]byte
	lastStepDuration time.Duration
}

// Run executes the flow and returns the result.
func (fr *FlowRunner) Run() FlowResult {
	flowStart := time.Now()

	// Create flow writer for this flow's updates
	fr.flowWriter = report.NewFlowWriter(fr.detail, fr.config.OutputDir, fr.indexWriter)

	// Initialize script engine
	fr.script = NewScriptEngine()
	defer fr.script.Close()

	// Import system environment variables
	fr.script.ImportSystemEnv()

	// Set flow directory for relative path resolution
	if fr.flow.SourcePath != "" {
		fr.script.SetFlowDir(filepath.Dir(fr.flow.SourcePath))
	}

	// Set platform in JS engine
	if info := fr.driver.GetPlatformInfo(); info != nil {
		fr.script.SetPlatform(info.Platform)
	}

	// Build the root per-flow context and apply its variables
	deviceID := ""
	if fr.detail.Device != nil {
		deviceID = fr.detail.Device.ID
	}
	fr.execCtx = newContext(fr.flow, fr.config, deviceID, fr.script)
	if fr.execCtx.AppID != "" {
		fr.script.SetVariable("APP_ID", fr.execCtx.AppID)
	}
	fr.script.SetVariables(fr.execCtx.Env)

	// Notify flow start
	flowName := fr.detail.Name
	flowFile := filepath.Base(fr.flow.SourcePath)
	if fr.config.OnFlowStart != nil {
		fr.config.OnFlowStart(fr.flowIdx, fr.totalFlows, flowName, flowFile)
	}
	if fr.config.Bus != nil {
		fr.config.Bus.Publish(TestEvent{
			Type: EventFlowStarted, Depth: fr.depth,
			FlowName: flowName, FlowPath: flowFile, CommandCount: len(fr.flow.Steps),
		})
	}

	// Mark flow as started
	fr.flowWriter.Start()

	// Execute all steps
	flowStatus := report.StatusPassed
	var flowError string

	// Execute onFlowComplete in defer (runs even on failure)
	defer func() {
		if len(fr.flow.Config.OnFlowComplete) > 0 {
			for _, step := range fr.flow.Config.OnFlowComplete {
				fr.executeNestedStep(step) // Ignore failures in cleanup
			}
		}
	}()

	// Execute onFlowStart hooks
	if len(fr.flow.Config.OnFlowStart) > 0 {
		for _, step := range fr.flow.Config.OnFlowStart {
			result := fr.executeNestedStep(step)
			if !result.Success && !step.IsOptional() {
				// onFlowStart failed - fail the flow
				fr.flowWriter.End(report.StatusFailed)
				if fr.config.OnFlowEnd != nil {
					fr.config.OnFlowEnd(flowName, false, time.Since(flowStart).Milliseconds())
				}
				if fr.config.Bus != nil {
					fr.config.Bus.Publish(TestEvent{
						Type: EventFlowFinished, Depth: fr.depth, FlowName: flowName,
						DurationMs: time.Since(flowStart).Milliseconds(), Status: report.StatusFailed,
					})
				}
				return FlowResult{
					ID:           fr.detail.ID,
					Name:         fr.detail.Name,
					Status:       report.StatusFailed,
					Duration:     time.Since(flowStart).Milliseconds(),
					Error:        fmt.Sprintf("onFlowStart failed: %v", result.Error),
					StepsTotal:   fr.stepsPassed + fr.stepsFailed + fr.stepsSkipped,
					StepsPassed:  fr.stepsPassed,
					StepsFailed:  fr.stepsFailed,
					StepsSkipped: fr.stepsSkipped,
				}
			}
		}
	}

	for i, step := range fr.flow.Steps {
		// Check context cancellation
		if fr.ctx.Err() != nil {
			fr.flowWriter.SkipRemainingCommands(i)
			flowStatus = report.StatusSkipped
			flowError = "execution cancelled"
			break
		}

		// Execute step
		stepStatus, stepError, stepDuration := fr.executeStep(i, step)

		// Notify step complete (Bus events for Command{Started,Passed,Failed,Skipped}
		// are published from inside executeStep, where the final disposition is known).
		if fr.config.OnStepComplete != nil {
			fr.config.OnStepComplete(i, step.Describe(), stepStatus == report.StatusPassed, stepDuration, stepError)
		}

		// Track step counts (compound steps like runFlow/repeat/retry don't count themselves,
		// their sub-steps are counted individually in executeNestedStep)
		isCompoundStep := false
		switch step.(type) {
		case *flow.RepeatStep, *flow.RetryStep, *flow.RunFlowStep, *flow.ConditionalStep:
			isCompoundStep = true
		}
		if !isCompoundStep {
			switch stepStatus {
			case report.StatusPassed:
				fr.stepsPassed++
			case report.StatusFailed:
				fr.stepsFailed++
			case report.StatusSkipped:
				fr.stepsSkipped++
			}
		}

		// Handle step result
		if stepStatus == report.StatusSkipped {
			// Optional step failed; executeStep already recorded it as
			// Skipped and published CommandSkipped. The flow continues.
			continue
		}
		if stepStatus == report.StatusFailed {
			// Required step failed - skip remaining and fail flow
			fr.flowWriter.SkipRemainingCommands(i + 1)
			// Count remaining non-compound steps as skipped
			for j := i + 1; j < len(fr.flow.Steps); j++ {
				switch fr.flow.Steps[j].(type) {
				case *flow.RepeatStep, *flow.RetryStep, *flow.RunFlowStep, *flow.ConditionalStep:
					// Compound steps don't count themselves
				default:
					fr.stepsSkipped++
				}
			}
			flowStatus = report.StatusFailed
			flowError = stepError
			break
		}
	}

	// Mark flow as complete
	fr.flowWriter.End(flowStatus)

	// Calculate duration
	flowDuration := time.Since(flowStart).Milliseconds()

	// Notify flow end
	if fr.config.OnFlowEnd != nil {
		fr.config.OnFlowEnd(flowName, flowStatus == report.StatusPassed, flowDuration)
	}
	if fr.config.Bus != nil {
		fr.config.Bus.Publish(TestEvent{
			Type: EventFlowFinished, Depth: fr.depth, FlowName: flowName,
			DurationMs: flowDuration, Status: flowStatus,
		})
	}

	return FlowResult{
		ID:           fr.detail.ID,
		Name:         fr.detail.Name,
		Status:       flowStatus,
		Duration:     flowDuration,
		Error:        flowError,
		StepsTotal:   fr.stepsPassed + fr.stepsFailed + fr.stepsSkipped,
		StepsPassed:  fr.stepsPassed,
		StepsFailed:  fr.stepsFailed,
		StepsSkipped: fr.stepsSkipped,
	}
}

// executeStep executes a single step and updates the report.
// Returns status, error message, and duration in milliseconds.
func (fr *FlowRunner) executeStep(idx int, step flow.Step) (report.Status, string, int64) {
	stepStart := time.Now()

	// Mark step as started
	fr.flowWriter.CommandStart(idx)
	if fr.config.Bus != nil {
		fr.config.Bus.Publish(TestEvent{
			Type: EventCommandStarted, Depth: fr.depth,
			FlowName: fr.detail.Name, Index: idx, Command: step.Describe(),
		})
	}

	// Determine what artifacts to capture
	captureAlways := fr.config.Artifacts == ArtifactAlways
	captureOnFailure := fr.config.Artifacts == ArtifactOnFailure

	// Capture before screenshot if configured
	var artifacts report.CommandArtifacts
	if captureAlways {
		artifacts = fr.captureArtifacts(idx, "before")
	}

	// Expand variables in step before execution
	fr.script.ExpandStep(step)

	// Execute step - route to appropriate handler
	var result *core.CommandResult

	switch s := step.(type) {
	// JS/Scripting steps - handled by ScriptEngine
	case *flow.DefineVariablesStep:
		result = fr.script.ExecuteDefineVariables(s)
	case *flow.SetVarStep:
		result = fr.script.ExecuteSetVar(s)
	case *flow.RunScriptStep:
		result = fr.script.ExecuteRunScript(s)
	case *flow.EvalScriptStep:
		result = fr.script.ExecuteEvalScript(s)
	case *flow.AssertTrueStep:
		result = fr.script.ExecuteAssertTrue(s)
	case *flow.AssertConditionStep:
		result = fr.executeAssertCondition(fr.ctx, s)

	// Flow control steps - handled by FlowRunner
	// Clear sub-commands before compound step execution
	case *flow.RepeatStep:
		fr.subCommands = nil
		result = fr.executeRepeat(s)
	case *flow.RetryStep:
		fr.subCommands = nil
		result = fr.executeRetry(s)
	case *flow.RunFlowStep:
		fr.subCommands = nil
		result = fr.executeRunFlow(s)
	case *flow.ConditionalStep:
		fr.subCommands = nil
		result = fr.executeConditional(s)

	// App lifecycle steps - inject flow's appId if not specified
	case *flow.LaunchAppStep:
		if s.AppID == "" && fr.flow.Config.AppID != "" {
			s.AppID = fr.flow.Config.AppID
		}
		result = fr.dispatch(fr.ctx, step)
	case *flow.StopAppStep:
		if s.AppID == "" && fr.flow.Config.AppID != "" {
			s.AppID = fr.flow.Config.AppID
		}
		result = fr.dispatch(fr.ctx, step)
	case *flow.KillAppStep:
		if s.AppID == "" && fr.flow.Config.AppID != "" {
			s.AppID = fr.flow.Config.AppID
		}
		result = fr.dispatch(fr.ctx, step)
	case *flow.ClearStateStep:
		if s.AppID == "" && fr.flow.Config.AppID != "" {
			s.AppID = fr.flow.Config.AppID
		}
		result = fr.dispatch(fr.ctx, step)

	// CopyTextFrom - delegate to the resolver and sync copied text to script engine
	case *flow.CopyTextFromStep:
		result = fr.copyTextFrom(fr.ctx, s)
		if result.Success && result.Data != nil {
			if text, ok := result.Data.(string); ok {
				fr.script.SetCopiedText(text)
			}
		}

	// PasteText - use in-memory copiedText first, clipboard as fallback
	case *flow.PasteTextStep:
		result = fr.pasteText(fr.ctx)

	// All other steps - delegate to the capability dispatcher
	default:
		result = fr.dispatch(fr.ctx, step)
	}

	stepDuration := time.Since(stepStart).Milliseconds()

	// Determine status and error
	var status report.Status
	var errorInfo *report.Error
	var errorMsg string

	if result.Success {
		status = report.StatusPassed
	} else {
		if step.IsOptional() {
			status = report.StatusSkipped
		} else {
			status = report.StatusFailed
		}
		errorInfo = commandResultToError(result)
		if errorInfo != nil {
			errorMsg = errorInfo.Message
		}
	}

	if fr.config.Bus != nil {
		switch status {
		case report.StatusPassed:
			fr.config.Bus.Publish(TestEvent{
				Type: EventCommandPassed, Depth: fr.depth,
				FlowName: fr.detail.Name, Index: idx, DurationMs: stepDuration,
			})
		case report.StatusSkipped:
			fr.config.Bus.Publish(TestEvent{
				Type: EventCommandSkipped, Depth: fr.depth,
				FlowName: fr.detail.Name, Index: idx, Reason: errorMsg,
			})
		case report.StatusFailed:
			fr.config.Bus.Publish(TestEvent{
				Type: EventCommandFailed, Depth: fr.depth,
				FlowName: fr.detail.Name, Index: idx, Error: errorMsg, DurationMs: stepDuration,
			})
		}
	}

	// Capture after screenshot (on failure or always)
	shouldCaptureAfter := captureAlways || (captureOnFailure && !result.Success)
	if shouldCaptureAfter {
		afterArtifacts := fr.captureArtifacts(idx, "after")
		artifacts.ScreenshotAfter = afterArtifacts.ScreenshotAfter
		artifacts.ViewHierarchy = afterArtifacts.ViewHierarchy
	}

	// Convert element info
	var element *report.Element
	if result.Element != nil {
		element = commandResultToElement(result)
	}

	// Update report - use CommandEndWithSubs for compound steps
	switch step.(type) {
	case *flow.RepeatStep, *flow.RetryStep, *flow.RunFlowStep, *flow.ConditionalStep:
		fr.flowWriter.CommandEndWithSubs(idx, status, element, errorInfo, artifacts, fr.subCommands)
		fr.subCommands = nil // Clear after use
	default:
		fr.flowWriter.CommandEnd(idx, status, element, errorInfo, artifacts)
	}

	fr.lastStepDuration = time.Duration(stepDuration) * time.Millisecond

	return status, errorMsg, stepDuration
}

// executeRepeat handles repeat step execution.
func (fr *FlowRunner) executeRepeat(step *flow.RepeatStep) *core.CommandResult {
	hasWhile := step.While.Visible != nil || step.While.NotVisible != nil || step.While.Script != ""
	defaultTimes := 1
	if hasWhile {
		defaultTimes = 1000 // Default max iterations for while loops
	}
	times := fr.script.ParseInt(step.Times, defaultTimes)

	fr.depth++
	defer func() { fr.depth-- }()

	for i := 0; i < times; i++ {
		// Check context
		if fr.ctx.Err() != nil {
			return &core.CommandResult{
				Success: false,
				Error:   fr.ctx.Err(),
				Message: "Repeat cancelled",
			}
		}

		// Check while condition
		if hasWhile {
			if !fr.checkCondition(fr.ctx, step.While) {
				break // Condition no longer met
			}
		}

		// Execute nested steps
		for _, nestedStep := range step.Steps {
			result := fr.executeNestedStep(nestedStep)
			if !result.Success && !nestedStep.IsOptional() {
				return result
			}
		}
	}

	return &core.CommandResult{
		Success: true,
		Message: fmt.Sprintf("Repeat completed (%d iterations)", times),
	}
}

// executeRetry handles retry step execution.
func (fr *FlowRunner) executeRetry(step *flow.RetryStep) *core.CommandResult {
	maxRetries := fr.script.ParseInt(step.MaxRetries, 3)

	fr.depth++
	defer func() { fr.depth-- }()

	// Apply env variables with restore
	defer fr.script.withEnvVars(step.Env)()

	// If file is specified, load and execute that flow
	if step.File != "" && len(step.Steps) == 0 {
		filePath := fr.script.ResolvePath(step.File)
		subFlow, err := flow.ParseFile(filePath)
		if err != nil {
			return &core.CommandResult{
				Success: false,
				Error:   err,
				Message: fmt.Sprintf("Failed to parse flow file: %s", filePath),
			}
		}
		return fr.executeSubFlowWithRetry(*subFlow, maxRetries)
	}

	// Execute inline steps with retry
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if fr.ctx.Err() != nil {
			return &core.CommandResult{
				Success: false,
				Error:   fr.ctx.Err(),
				Message: "Retry cancelled",
			}
		}

		success := true
		for _, nestedStep := range step.Steps {
			result := fr.executeNestedStep(nestedStep)
			if !result.Success && !nestedStep.IsOptional() {
				lastErr = result.Error
				success = false
				break
			}
		}

		if success {
			return &core.CommandResult{
				Success: true,
				Message: fmt.Sprintf("Retry succeeded on attempt %d", attempt),
			}
		}

		if attempt < maxRetries && fr.config.Bus != nil {
			fr.config.Bus.Publish(TestEvent{
				Type: EventCommandRetrying, Depth: fr.depth,
				FlowName: fr.detail.Name, Index: len(fr.subCommands), Attempt: attempt, MaxAttempts: maxRetries,
			})
		}
	}

	return &core.CommandResult{
		Success: false,
		Error:   lastErr,
		Message: fmt.Sprintf("Retry failed after %d attempts", maxRetries),
	}
}

// executeRunFlow handles runFlow step execution.
func (fr *FlowRunner) executeRunFlow(step *flow.RunFlowStep) *core.CommandResult {
	// Check when condition
	if step.When != nil {
		if !fr.checkCondition(fr.ctx, *step.When) {
			return &core.CommandResult{
				Success: true,
				Message: "Skipped (when condition not met)",
			}
		}
	}

	// Report nested flow start
	if fr.config.OnNestedFlowStart != nil && step.File != "" {
		fr.config.OnNestedFlowStart(fr.depth+1, "Run "+step.File)
	}
	if fr.config.Bus != nil && step.File != "" {
		fr.config.Bus.Publish(TestEvent{
			Type: EventLog, Depth: fr.depth + 1, Message: "Run " + step.File,
		})
	}

	// Increment depth for nested execution
	fr.depth++
	defer func() { fr.depth-- }()

	// Apply env variables with restore
	defer fr.script.withEnvVars(step.Env)()

	// Execute inline steps if present
	if len(step.Steps) > 0 {
		for _, nestedStep := range step.Steps {
			result := fr.executeNestedStep(nestedStep)
			if !result.Success && !nestedStep.IsOptional() {
				return result
			}
		}
		return &core.CommandResult{
			Success: true,
			Message: "Inline flow completed",
		}
	}

	// Load and execute external flow file
	if step.File == "" {
		return &core.CommandResult{
			Success: false,
			Error:   fmt.Errorf("no flow file or commands specified"),
			Message: "runFlow requires file or inline steps",
		}
	}

	filePath := fr.script.ResolvePath(step.File)
	subFlow, err := flow.ParseFile(filePath)
	if err != nil {
		return &core.CommandResult{
			Success: false,
			Error:   err,
			Message: fmt.Sprintf("Failed to parse flow file: %s", filePath),
		}
	}

	return fr.executeSubFlow(*subFlow)
}

// executeNestedStep executes a step without report tracking (for nested execution).
func (fr *FlowRunner) executeNestedStep(step flow.Step) *core.CommandResult {
	start := time.Now()
	var result *core.CommandResult

	// For nested compound steps, we need to track their sub-commands separately
	var nestedSubCommands []report.Command
	isCompoundStep := false
	switch step.(type) {
	case *flow.RepeatStep, *flow.RetryStep, *flow.RunFlowStep, *flow.ConditionalStep:
		isCompoundStep = true
		// Save parent's subCommands and start fresh for this nested compound step
		parentSubCommands := fr.subCommands
		fr.subCommands = nil
		defer func() {
			nestedSubCommands = fr.subCommands
			fr.subCommands = parentSubCommands
		}()
	}

	nestedIdx := len(fr.subCommands)
	if fr.config.Bus != nil {
		fr.config.Bus.Publish(TestEvent{
			Type: EventCommandStarted, Depth: fr.depth,
			FlowName: fr.detail.Name, Index: nestedIdx, Command: step.Describe(),
		})
	}

	switch s := step.(type) {
	case *flow.DefineVariablesStep:
		result = fr.script.ExecuteDefineVariables(s)
	case *flow.SetVarStep:
		result = fr.script.ExecuteSetVar(s)
	case *flow.RunScriptStep:
		result = fr.script.ExecuteRunScript(s)
	case *flow.EvalScriptStep:
		result = fr.script.ExecuteEvalScript(s)
	case *flow.AssertTrueStep:
		result = fr.script.ExecuteAssertTrue(s)
	case *flow.AssertConditionStep:
		result = fr.executeAssertCondition(fr.ctx, s)
	case *flow.RepeatStep:
		result = fr.executeRepeat(s)
	case *flow.RetryStep:
		result = fr.executeRetry(s)
	case *flow.RunFlowStep:
		result = fr.executeRunFlow(s)
	case *flow.ConditionalStep:
		result = fr.executeConditional(s)
	case *flow.CopyTextFromStep:
		// Expand variables before resolving the source element
		fr.script.ExpandStep(step)
		result = fr.copyTextFrom(fr.ctx, s)
		// Sync copied text to script engine
		if result.Success && result.Data != nil {
			if text, ok := result.Data.(string); ok {
				fr.script.SetCopiedText(text)
			}
		}
	case *flow.PasteTextStep:
		result = fr.pasteText(fr.ctx)
	default:
		// Expand variables before dispatching to the driver
		fr.script.ExpandStep(step)
		result = fr.dispatch(fr.ctx, step)
	}

	duration := time.Since(start).Milliseconds()

	// Track nested step counts (compound steps like runFlow/repeat/retry don't count themselves)
	if !isCompoundStep {
		if result.Success {
			fr.stepsPassed++
		} else {
			fr.stepsFailed++
		}
	}

	// Report nested step progress
	if fr.depth > 0 {
		errMsg := ""
		if !result.Success && result.Error != nil {
			errMsg = result.Error.Error()
		}
		if fr.config.OnNestedStep != nil {
			fr.config.OnNestedStep(fr.depth, step.Describe(), result.Success, duration, errMsg)
		}
		if fr.config.Bus != nil {
			switch {
			case result.Success:
				fr.config.Bus.Publish(TestEvent{
					Type: EventCommandPassed, Depth: fr.depth,
					FlowName: fr.detail.Name, Index: nestedIdx, DurationMs: duration,
				})
			case step.IsOptional():
				fr.config.Bus.Publish(TestEvent{
					Type: EventCommandSkipped, Depth: fr.depth,
					FlowName: fr.detail.Name, Index: nestedIdx, Reason: errMsg,
				})
			default:
				fr.config.Bus.Publish(TestEvent{
					Type: EventCommandFailed, Depth: fr.depth,
					FlowName: fr.detail.Name, Index: nestedIdx, Error: errMsg, DurationMs: duration,
				})
			}
		}
	}

	// Add to parent's sub-commands for report
	status := report.StatusPassed
	if !result.Success {
		status = report.StatusFailed
	}

	now := time.Now()
	cmd := report.Command{
		ID:        fmt.Sprintf("sub-%d", len(fr.subCommands)),
		Index:     len(fr.subCommands),
		Type:      string(step.Type()),
		Label:     step.Label(),
		YAML:      step.Describe(),
		Status:    status,
		StartTime: &start,
		EndTime:   &now,
		Duration:  &duration,
	}

	// Add error info if failed
	if !result.Success && result.Error != nil {
		cmd.Error = &report.Error{
			Type:    "execution",
			Message: result.Error.Error(),
		}
	}

	// Add nested sub-commands for compound steps
	if isCompoundStep {
		cmd.SubCommands = nestedSubCommands
	}

	fr.subCommands = append(fr.subCommands, cmd)

	return result
}

// executeSubFlow executes a sub-flow without separate report tracking.
func (fr *FlowRunner) executeSubFlow(subFlow flow.Flow) *core.CommandResult {
	// Clone the context for the sub-flow's BaseDir/AppID/Env, and restore
	// the parent's view once the sub-flow returns (child never leaks state
	// back to the parent).
	parentCtx := fr.execCtx
	fr.execCtx = parentCtx.Clone(subFlow)
	restore := fr.execCtx.apply()
	defer func() {
		restore()
		fr.execCtx = parentCtx
	}()

	// Execute steps
	for _, step := range subFlow.Steps {
		if fr.ctx.Err() != nil {
			return &core.CommandResult{
				Success: false,
				Error:   fr.ctx.Err(),
				Message: "Sub-flow cancelled",
			}
		}

		// Inject subflow's appId into app lifecycle steps (same as executeStep does for main flow)
		switch s := step.(type) {
		case *flow.LaunchAppStep:
			if s.AppID == "" && subFlow.Config.AppID != "" {
				s.AppID = subFlow.Config.AppID
			}
		case *flow.StopAppStep:
			if s.AppID == "" && subFlow.Config.AppID != "" {
				s.AppID = subFlow.Config.AppID
			}
		case *flow.KillAppStep:
			if s.AppID == "" && subFlow.Config.AppID != "" {
				s.AppID = subFlow.Config.AppID
			}
		case *flow.ClearStateStep:
			if s.AppID == "" && subFlow.Config.AppID != "" {
				s.AppID = subFlow.Config.AppID
			}
		}

		result := fr.executeNestedStep(step)
		if !result.Success && !step.IsOptional() {
			return result
		}
	}

	return &core.CommandResult{
		Success: true,
		Message: fmt.Sprintf("Sub-flow '%s' completed", subFlow.Config.Name),
	}
}

// executeSubFlowWithRetry executes a sub-flow with retry logic.
func (fr *FlowRunner) executeSubFlowWithRetry(subFlow flow.Flow, maxRetries int) *core.CommandResult {
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if fr.ctx.Err() != nil {
			return &core.CommandResult{
				Success: false,
				Error:   fr.ctx.Err(),
				Message: "Retry cancelled",
			}
		}

		result := fr.executeSubFlow(subFlow)
		if result.Success {
			return &core.CommandResult{
				Success: true,
				Message: fmt.Sprintf("Retry succeeded on attempt %d", attempt),
			}
		}
		lastErr = result.Error
	}

	return &core.CommandResult{
		Success: false,
		Error:   lastErr,
		Message: fmt.Sprintf("Retry failed after %d attempts", maxRetries),
	}
}

// captureArtifacts captures screenshots and hierarchy.
func (fr *FlowRunner) captureArtifacts(cmdIdx int, timing string) report.CommandArtifacts {
	var artifacts report.CommandArtifacts

	// Capture screenshot
	if data, err := fr.driver.Screenshot(fr.ctx); err == nil && len(data) > 0 {
		path, saveErr := fr.flowWriter.SaveScreenshot(cmdIdx, timing, data)
		if saveErr == nil {
			if timing == "before" {
				artifacts.ScreenshotBefore = path
			} else {
				artifacts.ScreenshotAfter = path
			}
		}
	}

	// Capture hierarchy on failure
	if timing == "after" {
		if tree, err := fr.driver.Hierarchy(fr.ctx); err == nil && tree != nil {
			if data, marshalErr := json.Marshal(hierarchyNode(tree.Root)); marshalErr == nil {
				path, saveErr := fr.flowWriter.SaveViewHierarchy(cmdIdx, data)
				if saveErr == nil {
					artifacts.ViewHierarchy = path
				}
			}
		}
	}

	return artifacts
}

// hierarchySnapshot is a JSON-safe mirror of core.UiNode that drops the
// Parent back-reference, which would otherwise turn the tree into a cycle
// encoding/json can't marshal.
type hierarchySnapshot struct {
	Text               string               `json:"text,omitempty"`
	ID                 string               `json:"id,omitempty"`
	Class              string               `json:"class,omitempty"`
	AccessibilityLabel string               `json:"accessibilityLabel,omitempty"`
	Role               string               `json:"role,omitempty"`
	Bounds             core.Bounds          `json:"bounds"`
	Visible            bool                 `json:"visible"`
	Enabled            bool                 `json:"enabled"`
	Checked            bool                 `json:"checked,omitempty"`
	Selected           bool                 `json:"selected,omitempty"`
	Focused            bool                 `json:"focused,omitempty"`
	Scrollable         bool                 `json:"scrollable,omitempty"`
	Children           []*hierarchySnapshot `json:"children,omitempty"`
}

func hierarchyNode(n *core.UiNode) *hierarchySnapshot {
	if n == nil {
		return nil
	}
	snap := &hierarchySnapshot{
		Text:               n.Text,
		ID:                 n.ID,
		Class:              n.Class,
		AccessibilityLabel: n.AccessibilityLabel,
		Role:               n.Role,
		Bounds:             n.Bounds,
		Visible:            n.Visible,
		Enabled:            n.Enabled,
		Checked:            n.Checked,
		Selected:           n.Selected,
		Focused:            n.Focused,
		Scrollable:         n.Scrollable,
	}
	for _, child := range n.Children {
		snap.Children = append(snap.Children, hierarchyNode(child))
	}
	return snap
}
