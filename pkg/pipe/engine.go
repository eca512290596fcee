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

// Package pipe implements the fan-out streaming engine: given an established
// rendezvous, it picks the source byte stream (raw body or first multipart
// part), writes receiver response headers, and copies every byte read from
// the source to every live receiver until the source ends, the source
// errors, the sender disconnects, or every receiver is gone.
package pipe

import (
	"io"
	"net/http"
	"strings"
	"sync"

	log "github.com/pingcap/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/atachimiko/custompip/pkg/rendezvous"
)

const chunkSize = 32 * 1024

// receiverSinkDepth bounds how far a single receiver may lag behind the
// source before the fan-out loop starts waiting on it specifically: large
// enough to absorb a brief stall, small enough that a dead receiver is
// never an unbounded memory sink.
const receiverSinkDepth = 4

// Observer receives Pipe Engine lifecycle notifications for metrics.
type Observer interface {
	TransferStarted()
	TransferEnded(outcome string)
	BytesTransferred(n int)
	ReceiverClosed()
}

// NopObserver implements Observer with no-ops.
type NopObserver struct{}

// TransferStarted implements Observer.
func (NopObserver) TransferStarted() {}

// TransferEnded implements Observer.
func (NopObserver) TransferEnded(string) {}

// BytesTransferred implements Observer.
func (NopObserver) BytesTransferred(int) {}

// ReceiverClosed implements Observer.
func (NopObserver) ReceiverClosed() {}

// Engine runs established rendezvous transfers.
type Engine struct {
	registry *rendezvous.Registry
	observer Observer
}

// New creates an Engine bound to registry, whose ClearEstablished it calls
// on every termination path. observer may be nil.
func New(registry *rendezvous.Registry, observer Observer) *Engine {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Engine{registry: registry, observer: observer}
}

// Run streams er.Sender's chosen source to every one of er.Receivers. It
// never returns an error: every failure mode is translated into an in-band
// sender status line and, where appropriate, a transport-level receiver
// closure.
func (e *Engine) Run(er *rendezvous.EstablishedRendezvous) {
	defer e.registry.ClearEstablished(er.Path)
	e.observer.TransferStarted()

	sw := er.Sender.Status()
	defer er.Sender.Finish()
	defer sw.Close()

	sw.Infof("Start sending with %d receiver(s)!", len(er.Receivers))

	src, err := chooseSource(er.Sender.Request)
	if err != nil {
		log.Warn("failed to determine source stream",
			zap.String("path", er.Path), zap.Error(err))
		sw.Errorf("Sending failed.")
		e.observer.TransferEnded("source_error")
		return
	}

	sinks := make([]*receiverSink, len(er.Receivers))
	var wg sync.WaitGroup
	for i, rp := range er.Receivers {
		writeReceiverHeaders(rp.Writer, src)
		sinks[i] = newReceiverSink(rp)
		wg.Add(1)
		go func(rs *receiverSink) {
			defer wg.Done()
			rs.run()
		}(sinks[i])
	}

	outcome := e.fanOut(er, src, sinks)

	for _, rs := range sinks {
		rs.finish()
	}
	wg.Wait()

	var writeErrs error
	for _, rs := range sinks {
		writeErrs = multierr.Append(writeErrs, rs.errs)
	}
	if writeErrs != nil {
		log.Debug("receiver write errors", zap.String("path", er.Path), zap.Error(writeErrs))
	}

	switch outcome {
	case outcomeSuccess:
		sw.Info("Sending successful!")
	case outcomeSourceError:
		sw.Errorf("Sending failed.")
	case outcomeSenderClosed:
		// The sender is already gone; nothing to write, but receivers
		// expecting a Content-Length-less or chunked body would otherwise see
		// a clean EOF instead of an aborted transfer, so tear down their
		// connections too.
		for _, rs := range sinks {
			forciblyClose(rs.p)
		}
	case outcomeReceiversClosed:
		sw.Info("All receiver(s) was/were closed halfway.")
		sw.Close()
		forciblyClose(er.Sender)
	}
	e.observer.TransferEnded(string(outcome))
}

type outcome string

const (
	outcomeSuccess         outcome = "success"
	outcomeSourceError     outcome = "source_error"
	outcomeSenderClosed    outcome = "sender_closed"
	outcomeReceiversClosed outcome = "receivers_closed"
)

type readResult struct {
	chunk []byte
	err   error
}

// fanOut reads src.reader in chunkSize pieces and delivers each chunk to
// every still-live sink, returning the terminal outcome. Reading happens on
// its own goroutine so the main loop can react immediately to a sender
// disconnect or the last receiver going away, instead of only noticing at
// the next successful Read.
func (e *Engine) fanOut(er *rendezvous.EstablishedRendezvous, src *sourceInfo, sinks []*receiverSink) outcome {
	stopReading := make(chan struct{})
	resultCh := make(chan readResult)
	go func() {
		defer close(resultCh)
		buf := make([]byte, chunkSize)
		for {
			n, err := src.reader.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				select {
				case resultCh <- readResult{chunk: chunk}:
				case <-stopReading:
					return
				}
			}
			if err != nil {
				select {
				case resultCh <- readResult{err: err}:
				case <-stopReading:
				}
				return
			}
		}
	}()
	defer close(stopReading)

	active := make(map[*receiverSink]bool, len(sinks))
	for _, rs := range sinks {
		active[rs] = true
	}
	senderDone := er.Sender.Request.Context().Done()

	for {
		select {
		case <-senderDone:
			return outcomeSenderClosed

		case res, ok := <-resultCh:
			if !ok {
				return outcomeSuccess
			}
			if res.err != nil {
				if res.err == io.EOF {
					return outcomeSuccess
				}
				if er.Sender.Request.Context().Err() != nil {
					return outcomeSenderClosed
				}
				return outcomeSourceError
			}

			e.observer.BytesTransferred(len(res.chunk))
			for rs := range active {
				select {
				case rs.data <- res.chunk:
				case <-rs.done:
					delete(active, rs)
					e.observer.ReceiverClosed()
				}
			}
			if len(active) == 0 {
				return outcomeReceiversClosed
			}
		}
	}
}

// chooseSource picks the raw request body or the first multipart part as
// the byte source, per the sender's Content-Type, and carries along the
// header candidates receivers should see.
func chooseSource(r *http.Request) (*sourceInfo, error) {
	if strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
		mr, err := r.MultipartReader()
		if err != nil {
			return nil, err
		}
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		src := &sourceInfo{reader: part}
		src.contentType, src.hasContentType = headerFirst(part.Header, "Content-Type")
		src.contentDisposition, src.hasContentDisposition = headerFirst(part.Header, "Content-Disposition")
		return src, nil
	}

	src := &sourceInfo{reader: r.Body}
	src.contentLength, src.hasContentLength = headerFirst(r.Header, "Content-Length")
	src.contentType, src.hasContentType = headerFirst(r.Header, "Content-Type")
	src.contentDisposition, src.hasContentDisposition = headerFirst(r.Header, "Content-Disposition")
	return src, nil
}

func headerFirst(h interface{ Values(string) []string }, key string) (string, bool) {
	values := h.Values(key)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

type sourceInfo struct {
	reader io.Reader

	contentLength         string
	hasContentLength      bool
	contentType           string
	hasContentType        bool
	contentDisposition    string
	hasContentDisposition bool
}

func writeReceiverHeaders(w http.ResponseWriter, src *sourceInfo) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	if src.hasContentLength {
		h.Set("Content-Length", src.contentLength)
	}
	if src.hasContentType {
		h.Set("Content-Type", src.contentType)
	}
	if src.hasContentDisposition {
		h.Set("Content-Disposition", src.contentDisposition)
	}
	w.WriteHeader(http.StatusOK)
}

// receiverSink is one receiver's independent, bounded pass-through stage.
type receiverSink struct {
	p    *rendezvous.Participant
	data chan []byte
	done chan struct{}

	closeOnce sync.Once
	errs      error
}

func newReceiverSink(p *rendezvous.Participant) *receiverSink {
	return &receiverSink{
		p:    p,
		data: make(chan []byte, receiverSinkDepth),
		done: make(chan struct{}),
	}
}

func (rs *receiverSink) run() {
	defer rs.markDone()
	defer rs.p.Finish()
	flusher, _ := rs.p.Writer.(http.Flusher)
	for chunk := range rs.data {
		if _, err := rs.p.Writer.Write(chunk); err != nil {
			rs.errs = multierr.Append(rs.errs, err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (rs *receiverSink) markDone() {
	rs.closeOnce.Do(func() { close(rs.done) })
}

// finish signals end-of-stream to the sink's writer goroutine. Called
// exactly once per sink after fanOut has stopped sending to any of them,
// whether they are still active or already detached.
func (rs *receiverSink) finish() {
	close(rs.data)
}

func forciblyClose(p *rendezvous.Participant) {
	hj, ok := p.Writer.(http.Hijacker)
	if !ok {
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}
