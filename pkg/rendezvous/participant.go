// Copyright 2026 The custompip Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package rendezvous

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Participant is one side (sender or receiver) of a rendezvous: the request,
// the response it owns, and the arm/disarm token that governs whether its
// disconnection should withdraw it from a pending rendezvous.
//
// A Participant is created once per incoming request and handed to the
// Registry; it must not be reused across requests.
type Participant struct {
	ID      string
	Request *http.Request
	Writer  http.ResponseWriter

	armed     atomic.Bool
	status    *statusWriter
	once      sync.Once
	done      chan struct{}
	finishOne sync.Once
}

// NewParticipant wraps a request/response pair as a rendezvous participant,
// armed by default.
func NewParticipant(w http.ResponseWriter, r *http.Request) *Participant {
	p := &Participant{
		ID:      uuid.NewString(),
		Request: r,
		Writer:  w,
		done:    make(chan struct{}),
	}
	p.armed.Store(true)
	return p
}

// Done returns a channel closed once this participant's part of the
// transfer has concluded (source exhausted, errored, or the participant
// detached), the signal the HTTP handler serving this participant waits on
// before returning and thereby ending the response body.
func (p *Participant) Done() <-chan struct{} {
	return p.done
}

// Finish closes Done's channel. Safe to call multiple times.
func (p *Participant) Finish() {
	p.finishOne.Do(func() {
		close(p.done)
	})
}

// Disarm clears the on-abort handler's arm token. It returns true exactly
// once per Participant. The connection-close watcher withdraws only when its
// own call returns true, so a close event firing after promotion is a no-op.
// Promotion disarms every participant without checking the result: a
// participant whose watcher fired just before promotion is still promoted,
// and its queued withdrawal then finds no pending entry.
func (p *Participant) Disarm() bool {
	return p.armed.CompareAndSwap(true, false)
}

// Armed reports whether the on-abort handler is still active.
func (p *Participant) Armed() bool {
	return p.armed.Load()
}

// Status returns this participant's ordered informational-line writer,
// creating it on first use. Only sender participants ever call this.
func (p *Participant) Status() *statusWriter {
	p.once.Do(func() {
		p.status = newStatusWriter(p.Writer)
	})
	return p.status
}

// WatchAbort arms a goroutine that withdraws p from path when its request
// context is cancelled (the client disconnected, or the server is shutting
// down) while p is still pending. It is a no-op if p has already been
// disarmed by promotion by the time the context fires.
func WatchAbort(path string, p *Participant, reg *Registry) {
	go func() {
		<-p.Request.Context().Done()
		if p.Disarm() {
			reg.Withdraw(path, p)
		}
	}()
}

// statusWriter serializes the informational/terminal lines written to a
// sender's response body, so that concurrent registry events (several
// receivers arriving in quick succession) and the later Pipe Engine
// lifecycle messages are never interleaved out of order. One dedicated
// goroutine owns the underlying http.ResponseWriter for the lifetime of the
// sender's connection.
type statusWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	lines     chan string
	closeOnce sync.Once
	stopped   chan struct{}
}

func newStatusWriter(w http.ResponseWriter) *statusWriter {
	sw := &statusWriter{
		w:       w,
		lines:   make(chan string, 64),
		stopped: make(chan struct{}),
	}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	go sw.run()
	return sw
}

func (sw *statusWriter) run() {
	defer close(sw.stopped)
	for line := range sw.lines {
		_, _ = fmt.Fprint(sw.w, line)
		if sw.flusher != nil {
			sw.flusher.Flush()
		}
	}
}

// Info enqueues an "[INFO] <msg>\n" line.
func (sw *statusWriter) Info(msg string) {
	sw.enqueue("[INFO] " + msg + "\n")
}

// Infof is Info with fmt.Sprintf formatting.
func (sw *statusWriter) Infof(format string, args ...interface{}) {
	sw.Info(fmt.Sprintf(format, args...))
}

// Errorf enqueues an "[ERROR] <msg>\n" line.
func (sw *statusWriter) Errorf(format string, args ...interface{}) {
	sw.enqueue("[ERROR] " + fmt.Sprintf(format, args...) + "\n")
}

func (sw *statusWriter) enqueue(line string) {
	select {
	case sw.lines <- line:
	default:
		// The buffer only needs to hold a few dozen short status lines for
		// the lifetime of one rendezvous; a full buffer means the sender's
		// connection is already gone, so the line is dropped rather than
		// blocking the caller (which may be the registry actor).
	}
}

// Close stops the writer goroutine once all queued lines have drained, and
// returns only after every queued line has been written. Safe to call
// multiple times and from multiple goroutines.
func (sw *statusWriter) Close() {
	sw.closeOnce.Do(func() {
		close(sw.lines)
	})
	<-sw.stopped
}
