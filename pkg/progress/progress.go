// Package progress provides progress reporting for long-running
// reconstruction passes. Callers either install a Callback to consume
// raw progress events or let the default reporter render a textual
// progress bar to stderr.
package progress

import (
	"fmt"
	"os"
	"time"
)

// Callback is a function that receives progress updates.
// A total of 0 marks an informational message rather than a
// completed/total progress update.
type Callback func(completed, total int, message string)

// Reporter tracks the progress of one named pass.
type Reporter struct {
	callback  Callback
	label     string
	startTime time.Time
	lastDraw  time.Time
	quiet     bool
}

// NewReporter creates a reporter for a pass with the given label.
// If callback is nil, updates are rendered as a progress bar on stderr.
func NewReporter(label string, callback Callback) *Reporter {
	return &Reporter{
		callback:  callback,
		label:     label,
		startTime: time.Now(),
	}
}

// Quiet suppresses all default rendering. Installed callbacks still fire.
func (r *Reporter) Quiet(quiet bool) {
	r.quiet = quiet
}

// Info emits an informational message outside the completed/total stream.
func (r *Reporter) Info(message string) {
	r.report(0, 0, message)
}

// Update reports that completed out of total units are done.
func (r *Reporter) Update(completed, total int) {
	r.report(completed, total, r.label)
}

// Done finishes the bar and moves to the next line.
func (r *Reporter) Done(total int) {
	r.report(total, total, r.label)
	if r.callback == nil && !r.quiet {
		fmt.Fprintln(os.Stderr)
	}
}

func (r *Reporter) report(completed, total int, message string) {
	if r.callback != nil {
		r.callback(completed, total, message)
		return
	}
	if r.quiet {
		return
	}

	if total == 0 {
		// Informational message, not a progress update
		if message != "" {
			fmt.Fprintln(os.Stderr, message)
		}
		return
	}

	// Redrawing on every voxel would dominate the pass; cap at ~10 Hz.
	now := time.Now()
	if completed < total && now.Sub(r.lastDraw) < 100*time.Millisecond {
		return
	}
	r.lastDraw = now

	percentage := float64(completed) / float64(total) * 100

	width := 40
	numBars := int(percentage / 100 * float64(width))

	progressBar := "["
	for i := 0; i < width; i++ {
		if i < numBars {
			progressBar += "█"
		} else if i == numBars {
			progressBar += "▓"
		} else {
			progressBar += "░"
		}
	}
	progressBar += "]"

	elapsedStr := ""
	if completed > 0 && !r.startTime.IsZero() {
		elapsed := now.Sub(r.startTime)
		elapsedStr = fmt.Sprintf(" %.1fs", elapsed.Seconds())
	}

	fmt.Fprintf(os.Stderr, "\r%s: %s %.1f%%%s", message, progressBar, percentage, elapsedStr)
}
