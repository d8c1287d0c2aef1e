package selector

import (
	"context"
	"crypto/sha1"
	"fmt"
	"time"

	"github.com/devicelab-dev/flowrunner/pkg/core"
)

const (
	tapRetryDelay    = 500 * time.Millisecond
	tapRetryMaxExtra = 2
)

// HashHierarchy produces a stable fingerprint of a UiTree's text content,
// cheap enough to call after every tap to detect whether anything changed.
func HashHierarchy(tree *core.UiTree) string {
	h := sha1.New()
	for _, n := range Flatten(tree) {
		fmt.Fprintf(h, "%s|%s|%d,%d,%d,%d;", n.Text, n.ID, n.Bounds.X, n.Bounds.Y, n.Bounds.Width, n.Bounds.Height)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// TapFunc performs a single tap at the given screen coordinates.
type TapFunc func(ctx context.Context, x, y int) error

// TapWithRetryIfNoChange taps the element's center, and if the hierarchy is
// unchanged tapRetryDelay later, re-taps up to tapRetryMaxExtra more times.
// This mirrors Maestro's retryTapIfNoChange selector flag, which exists
// because some views swallow the first tap while still settling.
func TapWithRetryIfNoChange(ctx context.Context, tap TapFunc, fetchHierarchy HierarchyFunc, target core.Bounds) error {
	x, y := target.Center()
	if err := tap(ctx, x, y); err != nil {
		return err
	}

	before, err := fetchHierarchy(ctx)
	if err != nil {
		return nil
	}
	beforeHash := HashHierarchy(before)

	for attempt := 0; attempt < tapRetryMaxExtra; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(tapRetryDelay):
		}

		after, err := fetchHierarchy(ctx)
		if err != nil {
			return nil
		}
		if HashHierarchy(after) != beforeHash {
			return nil
		}
		if err := tap(ctx, x, y); err != nil {
			return err
		}
		beforeHash = HashHierarchy(after)
	}
	return nil
}
