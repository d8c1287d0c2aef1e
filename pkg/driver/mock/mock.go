// Package mock provides a mock core.Driver for testing without a real
// device or browser.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devicelab-dev/flowrunner/pkg/core"
)

// Driver is a mock implementation of core.Driver for testing.
type Driver struct {
	Config Config

	mu            sync.Mutex
	callCount     int
	clipboard     string
	foregroundApp string
	recording     bool
	orientation   string
	locked        bool
	tree          *core.UiTree
}

// Config configures mock driver behavior.
type Config struct {
	// FailOnCall makes the Nth driver call fail (1-indexed). 0 = never fail.
	FailOnCall int
	// CallDelay adds artificial latency per call, simulating device I/O.
	CallDelay time.Duration
	// Platform info to report.
	Platform string
	DeviceID string
	// Tree, when set, is returned verbatim by Hierarchy. A default
	// single-button tree is used otherwise.
	Tree *core.UiTree
}

// New creates a new mock driver.
func New(cfg Config) *Driver {
	if cfg.Platform == "" {
		cfg.Platform = "mock"
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = "mock-device"
	}
	d := &Driver{Config: cfg, orientation: "portrait", tree: cfg.Tree}
	if d.tree == nil {
		d.tree = defaultTree()
	}
	return d
}

func defaultTree() *core.UiTree {
	button := &core.UiNode{
		Text:    "Mock Element",
		ID:      "mock-element",
		Class:   "Button",
		Bounds:  core.Bounds{X: 100, Y: 200, Width: 200, Height: 50},
		Visible: true,
		Enabled: true,
		Depth:   1,
	}
	root := &core.UiNode{
		Class:    "View",
		Bounds:   core.Bounds{X: 0, Y: 0, Width: 1080, Height: 2400},
		Visible:  true,
		Enabled:  true,
		Children: []*core.UiNode{button},
	}
	button.Parent = root
	return &core.UiTree{Root: root}
}

// step counts every call for FailOnCall bookkeeping and simulates latency.
func (d *Driver) step(ctx context.Context, name string) error {
	d.mu.Lock()
	d.callCount++
	n := d.callCount
	d.mu.Unlock()

	if d.Config.CallDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.Config.CallDelay):
		}
	}
	if d.Config.FailOnCall > 0 && n == d.Config.FailOnCall {
		return fmt.Errorf("mock failure on call %d (%s)", n, name)
	}
	return nil
}

func (d *Driver) LaunchApp(ctx context.Context, appID string, opts core.LaunchOptions) error {
	if err := d.step(ctx, "launchApp"); err != nil {
		return err
	}
	d.mu.Lock()
	d.foregroundApp = appID
	d.mu.Unlock()
	return nil
}

func (d *Driver) StopApp(ctx context.Context, appID string) error {
	return d.step(ctx, "stopApp")
}

func (d *Driver) InstallApp(ctx context.Context, appID, path string) error {
	return d.step(ctx, "installApp")
}

func (d *Driver) UninstallApp(ctx context.Context, appID string) error {
	return d.step(ctx, "uninstallApp")
}

func (d *Driver) ClearAppData(ctx context.Context, appID string) error {
	return d.step(ctx, "clearAppData")
}

func (d *Driver) Hierarchy(ctx context.Context) (*core.UiTree, error) {
	if err := d.step(ctx, "hierarchy"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tree, nil
}

// SetTree lets tests rewrite the hierarchy mid-flow, e.g. to simulate a
// screen transition after a tap.
func (d *Driver) SetTree(tree *core.UiTree) {
	d.mu.Lock()
	d.tree = tree
	d.mu.Unlock()
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	if err := d.step(ctx, "screenshot"); err != nil {
		return nil, err
	}
	// Minimal valid PNG (1x1 transparent pixel).
	return []byte{
		0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A,
		0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52,
		0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
		0x08, 0x06, 0x00, 0x00, 0x00, 0x1F, 0x15, 0xC4,
		0x89, 0x00, 0x00, 0x00, 0x0A, 0x49, 0x44, 0x41,
		0x54, 0x78, 0x9C, 0x63, 0x00, 0x01, 0x00, 0x00,
		0x05, 0x00, 0x01, 0x0D, 0x0A, 0x2D, 0xB4, 0x00,
		0x00, 0x00, 0x00, 0x49, 0x45, 0x4E, 0x44, 0xAE,
		0x42, 0x60, 0x82,
	}, nil
}

func (d *Driver) GetState(ctx context.Context) (*core.StateSnapshot, error) {
	if err := d.step(ctx, "getState"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return &core.StateSnapshot{
		AppState:      "foreground",
		Orientation:   d.orientation,
		ClipboardText: d.clipboard,
	}, nil
}

func (d *Driver) GetPlatformInfo() *core.PlatformInfo {
	return &core.PlatformInfo{
		Platform:     d.Config.Platform,
		DeviceID:     d.Config.DeviceID,
		DeviceName:   "Mock Device",
		OSVersion:    "1.0",
		IsSimulator:  true,
		ScreenWidth:  1080,
		ScreenHeight: 2400,
		AppID:        d.foregroundApp,
	}
}

func (d *Driver) Tap(ctx context.Context, x, y int) error          { return d.step(ctx, "tap") }
func (d *Driver) LongPress(ctx context.Context, x, y, ms int) error { return d.step(ctx, "longPress") }
func (d *Driver) InputText(ctx context.Context, text string) error { return d.step(ctx, "inputText") }
func (d *Driver) Erase(ctx context.Context, characters int) error  { return d.step(ctx, "eraseText") }
func (d *Driver) PressKey(ctx context.Context, key string) error   { return d.step(ctx, "pressKey") }
func (d *Driver) HideKeyboard(ctx context.Context) error           { return d.step(ctx, "hideKeyboard") }

func (d *Driver) Swipe(ctx context.Context, startX, startY, endX, endY, ms int) error {
	return d.step(ctx, "swipe")
}

func (d *Driver) Back(ctx context.Context) error      { return d.step(ctx, "back") }
func (d *Driver) PressHome(ctx context.Context) error { return d.step(ctx, "pressHome") }

func (d *Driver) SetOrientation(ctx context.Context, orientation string) error {
	if err := d.step(ctx, "setOrientation"); err != nil {
		return err
	}
	d.mu.Lock()
	d.orientation = orientation
	d.mu.Unlock()
	return nil
}

func (d *Driver) SetNetwork(ctx context.Context, networkType string) error {
	return d.step(ctx, "setNetwork")
}

func (d *Driver) SetAirplaneMode(ctx context.Context, enabled bool) error {
	return d.step(ctx, "setAirplaneMode")
}

func (d *Driver) SetLocale(ctx context.Context, locale string) error {
	return d.step(ctx, "setLocale")
}

func (d *Driver) SetVolume(ctx context.Context, level float64) error {
	return d.step(ctx, "setVolume")
}

func (d *Driver) Lock(ctx context.Context) error {
	if err := d.step(ctx, "lock"); err != nil {
		return err
	}
	d.mu.Lock()
	d.locked = true
	d.mu.Unlock()
	return nil
}

func (d *Driver) Unlock(ctx context.Context) error {
	if err := d.step(ctx, "unlock"); err != nil {
		return err
	}
	d.mu.Lock()
	d.locked = false
	d.mu.Unlock()
	return nil
}

func (d *Driver) OpenLink(ctx context.Context, url string, autoVerify, browser bool) error {
	return d.step(ctx, "openLink")
}

func (d *Driver) OpenNotifications(ctx context.Context) error {
	return d.step(ctx, "openNotifications")
}

func (d *Driver) OpenQuickSettings(ctx context.Context) error {
	return d.step(ctx, "openQuickSettings")
}

func (d *Driver) ClipboardGet(ctx context.Context) (string, error) {
	if err := d.step(ctx, "clipboardGet"); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clipboard, nil
}

func (d *Driver) ClipboardSet(ctx context.Context, text string) error {
	if err := d.step(ctx, "clipboardSet"); err != nil {
		return err
	}
	d.mu.Lock()
	d.clipboard = text
	d.mu.Unlock()
	return nil
}

func (d *Driver) MockLocationStart(ctx context.Context, name string, points []core.GeoPoint, speed float64) error {
	return d.step(ctx, "mockLocationStart")
}

func (d *Driver) MockLocationControl(ctx context.Context, name, command string) error {
	return d.step(ctx, "mockLocationControl")
}

func (d *Driver) MockLocationStop(ctx context.Context, name string) error {
	return d.step(ctx, "mockLocationStop")
}

func (d *Driver) StartRecording(ctx context.Context, path string) error {
	if err := d.step(ctx, "startRecording"); err != nil {
		return err
	}
	d.mu.Lock()
	d.recording = true
	d.mu.Unlock()
	return nil
}

func (d *Driver) StopRecording(ctx context.Context) error {
	if err := d.step(ctx, "stopRecording"); err != nil {
		return err
	}
	d.mu.Lock()
	d.recording = false
	d.mu.Unlock()
	return nil
}

func (d *Driver) ExecuteShell(ctx context.Context, command string) (string, error) {
	if err := d.step(ctx, "executeShell"); err != nil {
		return "", err
	}
	return fmt.Sprintf("mock output for: %s", command), nil
}

// FindNative, ImageMatch and OCR are not implemented by the mock driver;
// the selector resolver falls through to hierarchy matching instead.
func (d *Driver) FindNative(ctx context.Context, strategy, value string) (core.Bounds, bool, error) {
	return core.Bounds{}, false, core.ErrUnsupported
}

func (d *Driver) ImageMatch(ctx context.Context, template []byte, region string) (core.Bounds, bool, error) {
	return core.Bounds{}, false, core.ErrUnsupported
}

func (d *Driver) OCR(ctx context.Context, png []byte) ([]core.OCRLine, error) {
	return nil, core.ErrUnsupported
}
