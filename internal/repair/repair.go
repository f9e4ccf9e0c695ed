// Package repair tracks non-flashing area updates that ran without a LUT
// pipeline stall and decides when one corrective update over their union
// is due.
package repair

import (
	"image"

	"epdhal/internal/updmode"
)

// DefaultThreshold is how many accumulated updates are repaired without
// first deferring once.
const DefaultThreshold = 1

// Promoter orders modes; *updmode.Table implements it.
type Promoter interface {
	Promote(a, b updmode.Mode) updmode.Mode
}

// Decision is the outcome of Decide.
type Decision uint8

const (
	// None: nothing is pending.
	None Decision = iota
	// Defer: a lone update is pending; wait one more round.
	Defer
	// Issue: send one corrective update now.
	Issue
)

func (d Decision) String() string {
	switch d {
	case Defer:
		return "defer"
	case Issue:
		return "issue"
	}
	return "none"
}

// Accumulator is not safe for concurrent use; the controller lock guards it.
type Accumulator struct {
	promote   Promoter
	threshold int

	rect    image.Rectangle
	mode    updmode.Mode
	count   int
	skipped bool
}

// New returns an empty accumulator. threshold < 1 selects DefaultThreshold.
func New(p Promoter, threshold int) *Accumulator {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	return &Accumulator{promote: p, threshold: threshold}
}

// SetPromoter swaps the mode order, e.g. after a waveform reload. Pending
// state is dropped since its mode belongs to the old table.
func (a *Accumulator) SetPromoter(p Promoter) {
	a.promote = p
	a.Reset()
}

// Accumulate records one non-flashing area update.
func (a *Accumulator) Accumulate(r image.Rectangle, m updmode.Mode) {
	if a.count == 0 {
		a.rect = r
		a.mode = m
	} else {
		a.rect = a.rect.Union(r)
		a.mode = a.promote.Promote(a.mode, m)
	}
	a.count++
}

// Decide drains the accumulator when a repair is due. With count above the
// threshold, or after an earlier deferral, it returns Issue with the union
// rectangle and strongest mode and resets. Otherwise it marks the deferral
// and returns Defer.
func (a *Accumulator) Decide() (Decision, image.Rectangle, updmode.Mode) {
	if a.count == 0 {
		return None, image.Rectangle{}, 0
	}
	if a.count > a.threshold || a.skipped {
		r, m := a.rect, a.mode
		a.Reset()
		return Issue, r, m
	}
	a.skipped = true
	return Defer, a.rect, a.mode
}

// Requeue puts back a repair that Decide issued but that could not be sent.
// The next Decide issues it again without a deferral round.
func (a *Accumulator) Requeue(r image.Rectangle, m updmode.Mode) {
	a.Accumulate(r, m)
	a.skipped = true
}

// Reset empties the accumulator, as a flashing update does.
func (a *Accumulator) Reset() {
	a.rect = image.Rectangle{}
	a.mode = 0
	a.count = 0
	a.skipped = false
}

// Pending is the number of updates accumulated since the last reset.
func (a *Accumulator) Pending() int { return a.count }

// Skipped reports whether the last Decide deferred.
func (a *Accumulator) Skipped() bool { return a.skipped }

// Rect is the union of all pending update rectangles.
func (a *Accumulator) Rect() image.Rectangle { return a.rect }

// Mode is the strongest pending mode.
func (a *Accumulator) Mode() updmode.Mode { return a.mode }
