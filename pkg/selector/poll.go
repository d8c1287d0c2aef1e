package selector

import (
	"context"
	"time"

	"github.com/devicelab-dev/flowrunner/pkg/core"
	"github.com/devicelab-dev/flowrunner/pkg/flow"
)

// Default polling cadence and timeouts. Selector.Timeout, when set,
// overrides these; assertVisible-style commands use a shorter default
// than wait-for-visible commands since a missing element there is
// usually the assertion itself, not a loading delay.
const (
	PollInterval          = 250 * time.Millisecond
	DefaultTimeout        = 10 * time.Second
	DefaultAssertTimeout  = 1 * time.Second
)

// HierarchyFunc fetches the current hierarchy snapshot, normally a
// Driver.Hierarchy call threaded through by the executor.
type HierarchyFunc func(ctx context.Context) (*core.UiTree, error)

// EffectiveTimeout resolves the precedence selector.timeout > flowTimeoutMs
// > fallback described in spec.md's wait layer.
func EffectiveTimeout(sel flow.Selector, flowTimeoutMs int, fallback time.Duration) time.Duration {
	if sel.Timeout > 0 {
		return time.Duration(sel.Timeout) * time.Millisecond
	}
	if flowTimeoutMs > 0 {
		return time.Duration(flowTimeoutMs) * time.Millisecond
	}
	return fallback
}

// PollUntilFound polls fetchHierarchy every PollInterval until Resolve
// returns at least one matching node, the timeout elapses, or ctx is
// cancelled. It always evaluates at least once before checking the
// deadline, so a zero or already-expired timeout still gets one try.
func PollUntilFound(ctx context.Context, fetchHierarchy HierarchyFunc, sel flow.Selector, timeout time.Duration) ([]*core.UiNode, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		tree, err := fetchHierarchy(ctx)
		if err != nil {
			return nil, err
		}
		matches := Resolve(tree, sel)
		if len(matches) > 0 {
			return matches, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollUntilGone is the inverse of PollUntilFound, used by assertNotVisible
// and the "notVisible" branch of the conditional command.
func PollUntilGone(ctx context.Context, fetchHierarchy HierarchyFunc, sel flow.Selector, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		tree, err := fetchHierarchy(ctx)
		if err != nil {
			return false, err
		}
		if len(Resolve(tree, sel)) == 0 {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
