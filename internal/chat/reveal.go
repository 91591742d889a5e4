package chat

import (
	"context"
	"strings"
	"sync"
	"time"
)

// RevealState tracks the reveal lifecycle. Terminal states are reached by
// exactly one guarded transition, so a final tick racing an external stop
// can never finalize twice.
type RevealState int

const (
	RevealIdle RevealState = iota
	RevealRunning
	RevealCommitted
	RevealCancelled
)

// RevealOutcome is the single terminal result of a reveal.
type RevealOutcome struct {
	// Text is the full reply when Completed, otherwise the revealed prefix
	// at the moment of cancellation (possibly empty).
	Text      string
	Completed bool
}

// WordFunc observes each revealed word together with the joined prefix.
type WordFunc func(word, revealed string)

// Revealer plays a reply back one word at a time on a fixed cadence,
// mimicking live generation. At most one Run per Revealer.
type Revealer struct {
	mu       sync.Mutex
	state    RevealState
	fullText string
	words    []string
	cursor   int
	interval time.Duration
	onWord   WordFunc
}

func NewRevealer(fullText string, interval time.Duration, onWord WordFunc) *Revealer {
	if interval <= 0 {
		interval = 70 * time.Millisecond
	}
	return &Revealer{
		fullText: fullText,
		words:    strings.Fields(fullText),
		interval: interval,
		onWord:   onWord,
	}
}

// State reports the current reveal state.
func (r *Revealer) State() RevealState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Run reveals until the last word or ctx cancellation and returns the single
// terminal outcome. Cancellation mid-reveal preserves the revealed prefix;
// cancellation before the first tick yields an empty outcome. When the reply
// completes, Text is byte-identical to the text passed to NewRevealer.
func (r *Revealer) Run(ctx context.Context) RevealOutcome {
	r.mu.Lock()
	if r.state != RevealIdle {
		out := r.outcomeLocked()
		r.mu.Unlock()
		return out
	}
	if len(r.words) == 0 {
		// Nothing to animate: commit the (possibly empty) reply immediately.
		r.state = RevealCommitted
		r.mu.Unlock()
		return RevealOutcome{Text: r.fullText, Completed: true}
	}
	r.state = RevealRunning
	r.mu.Unlock()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		// Cancellation takes priority over a pending tick; the tick that was
		// already being processed still completes.
		select {
		case <-ctx.Done():
			return r.stop()
		default:
		}

		select {
		case <-ctx.Done():
			return r.stop()
		case <-ticker.C:
			if out, done := r.step(); done {
				return out
			}
		}
	}
}

// step advances the cursor by one word and reports whether the reveal
// reached a terminal state.
func (r *Revealer) step() (RevealOutcome, bool) {
	r.mu.Lock()
	if r.state != RevealRunning {
		out := r.outcomeLocked()
		r.mu.Unlock()
		return out, true
	}

	word := r.words[r.cursor]
	r.cursor++
	revealed := strings.Join(r.words[:r.cursor], " ")
	finished := r.cursor == len(r.words)
	if finished {
		r.state = RevealCommitted
	}
	onWord := r.onWord
	r.mu.Unlock()

	if onWord != nil {
		onWord(word, revealed)
	}
	if finished {
		return RevealOutcome{Text: r.fullText, Completed: true}, true
	}
	return RevealOutcome{}, false
}

// stop performs the cancellation transition. Idempotent: once a terminal
// state is reached the recorded outcome is returned unchanged.
func (r *Revealer) stop() RevealOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == RevealRunning {
		r.state = RevealCancelled
	}
	return r.outcomeLocked()
}

func (r *Revealer) outcomeLocked() RevealOutcome {
	if r.state == RevealCommitted {
		return RevealOutcome{Text: r.fullText, Completed: true}
	}
	return RevealOutcome{Text: strings.Join(r.words[:r.cursor], " "), Completed: false}
}
