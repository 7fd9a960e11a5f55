package client

import "testing"

func TestViewport_FirstLoadScrollsInstant(t *testing.T) {
	t.Parallel()

	v := NewViewport(0) // default threshold

	if got := v.OnContentChange(); got != ScrollInstant {
		t.Fatalf("first load: expected instant, got %v", got)
	}
	if got := v.OnContentChange(); got != ScrollSmooth {
		t.Fatalf("update at bottom: expected smooth, got %v", got)
	}
}

func TestViewport_ReadingHistoryIsNotInterrupted(t *testing.T) {
	t.Parallel()

	v := NewViewport(80)
	_ = v.OnContentChange() // first load

	v.Track(500) // scrolled up
	if v.AtBottom() {
		t.Fatal("expected not at bottom")
	}
	if got := v.OnContentChange(); got != ScrollNone {
		t.Fatalf("expected no scroll while reading history, got %v", got)
	}

	v.Track(40) // back within threshold
	if !v.AtBottom() {
		t.Fatal("expected at bottom")
	}
	if got := v.OnContentChange(); got != ScrollSmooth {
		t.Fatalf("expected smooth scroll after returning, got %v", got)
	}
}

func TestViewport_ThresholdBoundary(t *testing.T) {
	t.Parallel()

	v := NewViewport(80)

	v.Track(80)
	if !v.AtBottom() {
		t.Fatal("exactly at threshold counts as bottom")
	}
	v.Track(80.5)
	if v.AtBottom() {
		t.Fatal("beyond threshold must not count as bottom")
	}
}
