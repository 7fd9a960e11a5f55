package client

import "sync"

// DefaultBottomThreshold is the distance-from-bottom (in the presentation
// layer's units, px in practice) within which the viewer counts as "at the
// bottom".
const DefaultBottomThreshold = 80.0

// ScrollAction is the decision returned to the presentation layer on a
// content change.
type ScrollAction uint8

const (
	// ScrollNone leaves the viewport alone (viewer is reading older messages).
	ScrollNone ScrollAction = iota
	// ScrollInstant jumps to the bottom without animation (first load).
	ScrollInstant
	// ScrollSmooth animates to the new bottom (subsequent updates).
	ScrollSmooth
)

// Viewport tracks whether the viewer is scrolled to (near) the bottom so the
// presentation layer can decide whether new data should auto-scroll. It holds
// no rendering state; it only answers "what should happen now".
type Viewport struct {
	mu        sync.Mutex
	threshold float64
	atBottom  bool
	loaded    bool
}

// NewViewport constructs a Viewport. A non-positive threshold falls back to
// DefaultBottomThreshold. A fresh viewport counts as at-bottom.
func NewViewport(threshold float64) *Viewport {
	if threshold <= 0 {
		threshold = DefaultBottomThreshold
	}
	return &Viewport{threshold: threshold, atBottom: true}
}

// Track records the current distance from the bottom; call on every scroll event.
func (v *Viewport) Track(distanceFromBottom float64) {
	v.mu.Lock()
	v.atBottom = distanceFromBottom <= v.threshold
	v.mu.Unlock()
}

// AtBottom reports whether the viewer currently counts as at the bottom.
func (v *Viewport) AtBottom() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.atBottom
}

// OnContentChange returns the scroll decision for a store change: instant on
// the first load, smooth on later updates, none when the viewer has scrolled
// away from the bottom.
func (v *Viewport) OnContentChange() ScrollAction {
	v.mu.Lock()
	defer v.mu.Unlock()

	first := !v.loaded
	v.loaded = true

	if !v.atBottom {
		return ScrollNone
	}
	if first {
		return ScrollInstant
	}
	return ScrollSmooth
}
