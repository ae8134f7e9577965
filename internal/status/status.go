// Package status carries human-readable progress messages from a scrape
// session to whoever is watching it: a terminal, a web page, a log.
//
// Channels are write-only from the session's point of view. Emit and MarkEnd
// never block and never fail, and nothing a consumer does can influence the
// session's control flow.
package status

import (
	"log/slog"
	"sync"
)

// Channel is the sink a session reports progress into.
type Channel interface {
	// Emit appends one progress message.
	Emit(text string)

	// MarkEnd signals that the session has finished processing.
	MarkEnd()
}

// Func adapts a plain callback into a Channel. The end marker is ignored.
type Func func(text string)

// Emit calls f.
func (f Func) Emit(text string) { f(text) }

// MarkEnd is a no-op.
func (f Func) MarkEnd() {}

// Discard drops everything.
var Discard Channel = discard{}

type discard struct{}

func (discard) Emit(string) {}
func (discard) MarkEnd()    {}

// Multi fans every message out to each channel, in argument order.
func Multi(chs ...Channel) Channel {
	out := make(multi, 0, len(chs))
	for _, ch := range chs {
		if ch != nil {
			out = append(out, ch)
		}
	}
	return out
}

type multi []Channel

func (m multi) Emit(text string) {
	for _, ch := range m {
		ch.Emit(text)
	}
}

func (m multi) MarkEnd() {
	for _, ch := range m {
		ch.MarkEnd()
	}
}

// Logging mirrors status messages into a structured logger.
type Logging struct {
	Logger *slog.Logger
}

// Emit logs text at info level.
func (l Logging) Emit(text string) {
	if l.Logger == nil {
		return
	}
	l.Logger.Info("status", "message", text)
}

// MarkEnd logs the end of processing.
func (l Logging) MarkEnd() {
	if l.Logger == nil {
		return
	}
	l.Logger.Info("session processing ended")
}

// Recorder is an ordered, append-only message log. It is safe for use by one
// writer and any number of readers.
type Recorder struct {
	mu       sync.Mutex
	messages []string
	ended    bool
	done     chan struct{}
	subs     map[int]chan string
	nextSub  int
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		done: make(chan struct{}),
		subs: make(map[int]chan string),
	}
}

// subscriberBuffer is how many undelivered messages a subscriber may lag
// behind before further messages are dropped for it.
const subscriberBuffer = 64

// Emit appends text and pushes it to subscribers without blocking.
func (r *Recorder) Emit(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, text)
	for _, sub := range r.subs {
		select {
		case sub <- text:
		default:
		}
	}
}

// MarkEnd records the end of processing and closes all subscriptions.
// Calling it more than once is harmless.
func (r *Recorder) MarkEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ended {
		return
	}
	r.ended = true
	close(r.done)
	for id, sub := range r.subs {
		close(sub)
		delete(r.subs, id)
	}
}

// Messages returns a copy of every message emitted so far, in emission order.
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.messages))
	copy(out, r.messages)
	return out
}

// Ended reports whether MarkEnd has been called.
func (r *Recorder) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// Done is closed when MarkEnd is first called.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

// Subscribe returns a channel receiving messages emitted after the call.
// The channel is closed on MarkEnd or when cancel is called. A subscriber
// that falls behind loses messages instead of stalling the session.
func (r *Recorder) Subscribe() (<-chan string, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan string, subscriberBuffer)
	if r.ended {
		close(ch)
		return ch, func() {}
	}

	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if sub, ok := r.subs[id]; ok {
				close(sub)
				delete(r.subs, id)
			}
		})
	}
	return ch, cancel
}
