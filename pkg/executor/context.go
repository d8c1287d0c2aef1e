package executor

import (
	"path/filepath"

	"github.com/devicelab-dev/flowrunner/pkg/flow"
)

// Context carries the per-flow configuration that steps and sub-flows run
// against: the flow's base directory, output location, target app/URL,
// merged environment, and execution policy. The teacher has no equivalent
// of this; it threads flowDir and a flat variable map straight through
// ScriptEngine instead. Context wraps that same ScriptEngine (preserving
// the teacher's JS-backed variable expansion) and adds the explicit fields
// a flow run needs to resolve without reaching back into RunnerConfig.
type Context struct {
	BaseDir           string
	OutputDir         string
	AppID             string
	URL               string
	Env               map[string]string
	ContinueOnFailure bool
	DeviceID          string
	DefaultTimeoutMs  int

	script *ScriptEngine
}

// newContext builds the root Context for a flow run.
func newContext(f flow.Flow, cfg RunnerConfig, deviceID string, script *ScriptEngine) *Context {
	env := make(map[string]string, len(f.Config.Env))
	for k, v := range f.Config.Env {
		env[k] = v
	}
	return &Context{
		BaseDir:           filepath.Dir(f.SourcePath),
		OutputDir:         cfg.OutputDir,
		AppID:             f.Config.AppID,
		URL:               f.Config.URL,
		Env:               env,
		ContinueOnFailure: !cfg.StopOnFail,
		DeviceID:          deviceID,
		DefaultTimeoutMs:  f.Config.Timeout,
		script:            script,
	}
}

// Clone produces a child Context for a sub-flow (runFlow/repeat/retry body).
// The clone gets its own copy of Env and its own BaseDir/AppID/timeout, so
// mutations inside the sub-flow never leak back into the parent Context —
// matching the "runFlow vars do not propagate to parent" decision.
func (c *Context) Clone(sub flow.Flow) *Context {
	env := make(map[string]string, len(c.Env)+len(sub.Config.Env))
	for k, v := range c.Env {
		env[k] = v
	}
	for k, v := range sub.Config.Env {
		env[k] = v
	}

	appID := c.AppID
	if sub.Config.AppID != "" {
		appID = sub.Config.AppID
	}

	baseDir := c.BaseDir
	if sub.SourcePath != "" {
		baseDir = filepath.Dir(sub.SourcePath)
	}

	timeout := c.DefaultTimeoutMs
	if sub.Config.Timeout != 0 {
		timeout = sub.Config.Timeout
	}

	return &Context{
		BaseDir:           baseDir,
		OutputDir:         c.OutputDir,
		AppID:             appID,
		URL:               c.URL,
		Env:               env,
		ContinueOnFailure: c.ContinueOnFailure,
		DeviceID:          c.DeviceID,
		DefaultTimeoutMs:  timeout,
		script:            c.script,
	}
}

// apply pushes the Context's env and flow directory into its ScriptEngine,
// and returns a restore func that undoes both (used around sub-flow runs so
// the parent Context's view of the world is unchanged afterward).
func (c *Context) apply() func() {
	restoreEnv := c.script.withEnvVars(c.Env)
	prevDir := c.script.flowDir
	if c.BaseDir != "" {
		c.script.SetFlowDir(c.BaseDir)
	}
	return func() {
		restoreEnv()
		c.script.flowDir = prevDir
	}
}
