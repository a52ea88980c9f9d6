// Package inject implements the injector state machine: idle-gating,
// two-phase PTY writes, retry escalation, and ghost-text/relay-echo
// tolerance (spec §4.D).
package inject

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harveyfullstack/relay-pty/internal/parser"
	"github.com/harveyfullstack/relay-pty/internal/queue"
	"github.com/harveyfullstack/relay-pty/internal/relaypty"
)

// PtySender is the minimal interface the injector needs to write to the
// child PTY; satisfied by *ptyio.AsyncPty.
type PtySender interface {
	Send(data []byte) error
}

// Injector drives messages out of the queue and into the PTY once the
// agent looks idle.
type Injector struct {
	pty    PtySender
	queue  *queue.Queue
	config relaypty.Config

	isIdle          atomic.Bool
	autoSuggestion  atomic.Bool
	lastOutputMS    atomic.Int64
	lastInjectionMS atomic.Int64

	recentMu     sync.Mutex
	recentOutput strings.Builder
}

// New creates an Injector bound to pty and queue, using config for idle
// timeout and retry policy.
func New(pty PtySender, q *queue.Queue, config relaypty.Config) *Injector {
	inj := &Injector{pty: pty, queue: q, config: config}
	inj.lastOutputMS.Store(relaypty.NowMillis())
	return inj
}

// UpdateFromParse marks the agent idle when the parser detected an idle
// prompt or explicit ready signal.
func (inj *Injector) UpdateFromParse(result parser.ParseResult) {
	if result.IsIdle || result.ReadySignal {
		inj.isIdle.Store(true)
	}
}

// RecordOutput feeds a chunk of agent output into the injector's activity
// tracking. Auto-suggestion (ghost text) output is excluded from activity
// tracking and blocks injection until real output clears it.
func (inj *Injector) RecordOutput(output string) {
	if isAutoSuggestion(output) {
		inj.autoSuggestion.Store(true)
		return
	}

	inj.autoSuggestion.Store(false)
	inj.lastOutputMS.Store(relaypty.NowMillis())
	if !isRelayEcho(output) {
		inj.isIdle.Store(false)
	}

	inj.recentMu.Lock()
	inj.recentOutput.WriteString(output)
	if inj.recentOutput.Len() > 10000 {
		kept := relaypty.TrimToRuneBoundary(inj.recentOutput.String(), 10000)
		inj.recentOutput.Reset()
		inj.recentOutput.WriteString(kept)
	}
	inj.recentMu.Unlock()
}

// CheckIdle reports whether the agent currently looks ready to receive
// input. An auto-suggestion being visible always blocks injection.
func (inj *Injector) CheckIdle() bool {
	if inj.autoSuggestion.Load() {
		return false
	}
	if inj.isIdle.Load() {
		return true
	}

	silence := relaypty.NowMillis() - inj.lastOutputMS.Load()
	if silence < 0 {
		silence = 0
	}
	return uint64(silence) >= inj.config.IdleTimeoutMS
}

// SilenceMS returns milliseconds since the last recorded output.
func (inj *Injector) SilenceMS() int64 {
	s := relaypty.NowMillis() - inj.lastOutputMS.Load()
	if s < 0 {
		return 0
	}
	return s
}

// MSSinceInjection returns milliseconds since the last successful
// injection, or 0 if none has happened yet.
func (inj *Injector) MSSinceInjection() int64 {
	last := inj.lastInjectionMS.Load()
	if last == 0 {
		return 0
	}
	s := relaypty.NowMillis() - last
	if s < 0 {
		return 0
	}
	return s
}

// HadRecentInjection reports whether an injection happened within the last
// withinMS milliseconds.
func (inj *Injector) HadRecentInjection(withinMS int64) bool {
	since := inj.MSSinceInjection()
	return since > 0 && since <= withinMS
}

// Run drives the dequeue/inject/retry loop until ctx is canceled.
func (inj *Injector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg := inj.queue.WaitAndDequeue()

		inj.queue.ReportResult(msg.ID, relaypty.StatusInjecting, nil)

		delivered, err := inj.injectMessage(ctx, msg)
		switch {
		case err != nil:
			inj.queue.ReportResult(msg.ID, relaypty.StatusFailed, err)
		case delivered:
			inj.lastInjectionMS.Store(relaypty.NowMillis())
			inj.queue.ReportResult(msg.ID, relaypty.StatusDelivered, nil)
		default:
			if msg.Retries < inj.config.MaxRetries {
				time.Sleep(time.Duration(inj.config.RetryDelayMS) * time.Millisecond)
				inj.queue.Retry(msg)
			} else {
				inj.queue.ReportResult(msg.ID, relaypty.StatusFailed, errVerificationFailed)
			}
		}
	}
}

var errVerificationFailed = verificationError{}

type verificationError struct{}

func (verificationError) Error() string { return "verification failed after retries" }

// injectMessage waits (up to 10s) for an idle window, then performs the
// two-phase write: message body first, a 50ms settle delay, then a lone
// carriage return. Injection is assumed delivered once both writes
// succeed — the retry/backoff path above exists for completeness and is
// unreachable from this write path, matching the upstream system's own
// admission that verification is not yet implemented.
func (inj *Injector) injectMessage(ctx context.Context, msg relaypty.QueuedMessage) (bool, error) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if inj.CheckIdle() {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	inj.recentMu.Lock()
	inj.recentOutput.Reset()
	inj.recentMu.Unlock()

	formatted := msg.FormatForInjection()

	if err := inj.pty.Send([]byte(formatted)); err != nil {
		return false, err
	}

	time.Sleep(50 * time.Millisecond)

	if err := inj.pty.Send([]byte{0x0d}); err != nil {
		return false, err
	}

	inj.isIdle.Store(false)

	return true, nil
}

// isRelayEcho reports whether output consists only of blank lines and
// lines that are themselves relay message echoes, so echoed injections
// don't clear the idle flag.
func isRelayEcho(output string) bool {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "Relay message from ") {
			continue
		}
		return false
	}
	return true
}

// isAutoSuggestion detects Claude-Code-style ghost text: a reverse-video
// cursor cell immediately followed by dim text, or the "↵ send" hint that
// accompanies an accepted-but-unsent suggestion.
func isAutoSuggestion(output string) bool {
	hasCursorGhost := strings.Contains(output, "\x1b[7m") && strings.Contains(output, "\x1b[27m\x1b[2m")
	hasSendHint := strings.Contains(output, "↵ send")
	return hasCursorGhost || hasSendHint
}
