// Package coins decodes the coin acceptor's serial protocol into monetary
// events.
//
// The acceptor emits one line per coin, but has a quirk: the two-digit codes
// (10, 20) sometimes arrive as two separate lines ("1" then "0"). The decoder
// is an explicit two-state machine (idle / armed-with-prefix) that holds a
// possible prefix for a short window before deciding whether it was the start
// of a two-digit code or a lone 1-unit coin.
package coins

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// WarningCode classifies decoder warnings. Warnings are observability-only
// and never stop the stream.
type WarningCode string

const (
	WarnNonNumeric         WarningCode = "NON_NUMERIC"
	WarnUnsupportedCoin    WarningCode = "UNSUPPORTED_COIN"
	WarnInvalidCombination WarningCode = "INVALID_COMBINATION"
	WarnInvalidFragment    WarningCode = "INVALID_FRAGMENT"
)

// Warning describes a token the decoder ignored.
type Warning struct {
	Code    WarningCode `json:"code"`
	Message string      `json:"message"`
}

// DefaultFragmentWindow bounds how long a lone "1" or "2" is held before it
// is resolved as a fragment.
const DefaultFragmentWindow = 140 * time.Millisecond

// acceptedCoin reports whether v is a coin the kiosk takes.
func acceptedCoin(v int64) bool {
	switch v {
	case 1, 5, 10, 20:
		return true
	}
	return false
}

// Timer is a cancellable single-shot timer handle.
type Timer interface {
	Stop() bool
}

// Clock schedules single-shot timers. The decoder takes it as a dependency
// so the fragment window is testable without real hardware delays.
type Clock interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

type decoderState int

const (
	stateIdle decoderState = iota
	stateArmed
)

// Decoder turns line-delimited serial tokens into coin events.
//
// All processing happens under one mutex, in arrival order; the fragment
// timer and an interrupting token race to resolve the same pending prefix,
// and whichever takes the mutex first wins while the loser becomes a no-op.
type Decoder struct {
	clock     Clock
	window    time.Duration
	onCoin    func(value int64)
	onWarning func(w Warning)

	mu     sync.Mutex
	state  decoderState
	prefix string
	timer  Timer
	gen    uint64 // bumped on every arm/disarm; stale timer fires check it
}

// NewDecoder creates a decoder. onCoin and onWarning are invoked synchronously
// while the token that produced them is being processed, which keeps credits
// ordered exactly as coins arrived. A nil clock uses the system clock; a
// non-positive window uses DefaultFragmentWindow.
func NewDecoder(window time.Duration, clock Clock, onCoin func(int64), onWarning func(Warning)) *Decoder {
	if clock == nil {
		clock = SystemClock()
	}
	if window <= 0 {
		window = DefaultFragmentWindow
	}
	return &Decoder{
		clock:     clock,
		window:    window,
		onCoin:    onCoin,
		onWarning: onWarning,
	}
}

// HandleLine processes one raw serial line. Non-digit characters are noise
// from the transport and are stripped; an empty remainder is ignored.
func (d *Decoder) HandleLine(raw string) {
	token := digitsOnly(strings.TrimSpace(raw))
	if token == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.process(token)
}

// Close cancels any pending fragment without resolving it.
func (d *Decoder) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disarm()
}

func (d *Decoder) process(token string) {
	if d.state == stateArmed {
		if token == "0" {
			prefix := d.prefix
			d.disarm()
			combined, _ := strconv.ParseInt(prefix+"0", 10, 64)
			if acceptedCoin(combined) {
				d.emit(combined)
			} else {
				d.warn(WarnInvalidCombination, fmt.Sprintf("Ignored invalid coin '%d'.", combined))
			}
			return
		}

		// Any other token interrupts the pending fragment: resolve it first,
		// then fall through and treat the new token as fresh input.
		d.flush("interrupted")
	}

	if token == "1" || token == "2" {
		d.arm(token)
		return
	}

	value, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		d.warn(WarnNonNumeric, fmt.Sprintf("Ignored serial token '%s'.", token))
		return
	}
	if !acceptedCoin(value) {
		d.warn(WarnUnsupportedCoin, fmt.Sprintf("Ignored unsupported coin '%d'.", value))
		return
	}

	d.emit(value)
}

// arm holds prefix as a pending fragment and schedules its timeout.
func (d *Decoder) arm(prefix string) {
	d.disarm()
	d.state = stateArmed
	d.prefix = prefix

	gen := d.gen
	d.timer = d.clock.AfterFunc(d.window, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		// A token may have resolved the fragment between the timer firing
		// and this goroutine taking the lock.
		if d.state == stateArmed && d.gen == gen {
			d.flush("timeout")
		}
	})
}

// disarm clears the pending fragment and invalidates any in-flight timer.
func (d *Decoder) disarm() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.state = stateIdle
	d.prefix = ""
	d.gen++
}

// flush resolves the pending fragment: a lone "1" is itself a valid coin,
// anything else is dead weight.
func (d *Decoder) flush(reason string) {
	prefix := d.prefix
	d.disarm()

	if prefix == "1" {
		d.emit(1)
		return
	}
	d.warn(WarnInvalidFragment, fmt.Sprintf("Ignored fragment '%s' (%s).", prefix, reason))
}

func (d *Decoder) emit(value int64) {
	if d.onCoin != nil {
		d.onCoin(value)
	}
}

func (d *Decoder) warn(code WarningCode, message string) {
	if d.onWarning != nil {
		d.onWarning(Warning{Code: code, Message: message})
	}
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
