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

// Package rendezvous implements the path registry that matches a sender to
// its declared number of receivers: registration, withdrawal, and promotion
// to an established transfer.
//
// Every mutation of the registry's path map happens on a single owner
// goroutine that drains a task channel: callers never take a lock, they
// send a request and (for registrations) wait on a reply channel. This
// keeps every blocking point — reading the sender's body, writing to a
// receiver, parsing multipart — off the registry's critical section.
package rendezvous

import (
	"context"

	log "github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/atachimiko/custompip/pkg/perrors"
)

// OnEstablished is invoked once per promoted rendezvous, in its own
// goroutine, so that streaming never blocks the registry actor.
type OnEstablished func(*EstablishedRendezvous)

// Registry is the process-wide path registry. Zero value is not usable; use
// NewRegistry.
type Registry struct {
	reqCh         chan interface{}
	onEstablished OnEstablished
	observer      Observer

	maxReceiversPerPath int

	paths map[string]*pathEntry
}

// NewRegistry creates a Registry. onEstablished is called whenever a path is
// promoted; it is expected to hand the EstablishedRendezvous to a Pipe
// Engine and eventually call ClearEstablished. observer may be nil.
// maxReceiversPerPath caps the declared n a single rendezvous may request;
// 0 means unbounded.
func NewRegistry(onEstablished OnEstablished, observer Observer, maxReceiversPerPath int) *Registry {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Registry{
		reqCh:               make(chan interface{}, 256),
		onEstablished:       onEstablished,
		observer:            observer,
		maxReceiversPerPath: maxReceiversPerPath,
		paths:               make(map[string]*pathEntry),
	}
}

// Run drains the registry's task queue until ctx is cancelled. It must be
// running for RegisterSender/RegisterReceiver/Withdraw/ClearEstablished to
// make progress.
func (reg *Registry) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-reg.reqCh:
			reg.dispatch(msg)
		}
	}
}

func (reg *Registry) dispatch(msg interface{}) {
	switch m := msg.(type) {
	case registerSenderMsg:
		reg.handleRegisterSender(m)
	case registerReceiverMsg:
		reg.handleRegisterReceiver(m)
	case withdrawMsg:
		reg.handleWithdraw(m)
	case clearEstablishedMsg:
		reg.handleClearEstablished(m)
	}
}

type registerSenderMsg struct {
	path  string
	n     int
	p     *Participant
	reply chan error
}

type registerReceiverMsg struct {
	path  string
	n     int
	p     *Participant
	reply chan error
}

type withdrawMsg struct {
	path string
	p    *Participant
}

type clearEstablishedMsg struct {
	path string
}

// RegisterSender registers p as the sender on path, declaring n as the
// target receiver count. It blocks until the registry actor has processed
// the request or ctx is cancelled.
func (reg *Registry) RegisterSender(ctx context.Context, path string, n int, p *Participant) error {
	reply := make(chan error, 1)
	select {
	case reg.reqCh <- registerSenderMsg{path: path, n: n, p: p, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterReceiver registers p as a receiver on path, declaring n as the
// target receiver count.
func (reg *Registry) RegisterReceiver(ctx context.Context, path string, n int, p *Participant) error {
	reply := make(chan error, 1)
	select {
	case reg.reqCh <- registerReceiverMsg{path: path, n: n, p: p, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Withdraw removes p from path's pending rendezvous, if still present. It is
// fire-and-forget: callers are the connection-close watchers, which have no
// reply to wait for.
func (reg *Registry) Withdraw(path string, p *Participant) {
	reg.reqCh <- withdrawMsg{path: path, p: p}
}

// ClearEstablished removes the established marker for path, making it
// available for a new rendezvous. Called by the Pipe Engine on every
// termination path.
func (reg *Registry) ClearEstablished(path string) {
	reg.reqCh <- clearEstablishedMsg{path: path}
}

func (reg *Registry) handleRegisterSender(m registerSenderMsg) {
	if m.n <= 0 {
		reg.observer.Registration("sender", false)
		m.reply <- perrors.ErrInvalidReceiverCount.GenWithStackByArgs(m.n)
		return
	}
	if reg.maxReceiversPerPath > 0 && m.n > reg.maxReceiversPerPath {
		reg.observer.Registration("sender", false)
		m.reply <- perrors.ErrReceiverCountExceedsMax.GenWithStackByArgs(m.n, reg.maxReceiversPerPath)
		return
	}

	entry := reg.paths[m.path]
	if entry != nil && entry.established {
		reg.observer.Registration("sender", false)
		m.reply <- perrors.ErrPathEstablished.GenWithStackByArgs(m.path)
		return
	}

	if entry == nil {
		entry = &pathEntry{pending: &pendingRoute{nReceivers: m.n}}
		reg.paths[m.path] = entry
		reg.observer.PendingPaths(1)
	}

	pr := entry.pending
	if pr.sender != nil {
		reg.observer.Registration("sender", false)
		m.reply <- perrors.ErrSenderAlreadyRegistered.GenWithStackByArgs(m.path)
		return
	}
	if pr.nReceivers != m.n {
		reg.observer.Registration("sender", false)
		m.reply <- perrors.ErrReceiverCountMismatch.GenWithStackByArgs(pr.nReceivers, m.n)
		return
	}

	pr.sender = m.p
	reg.observer.Registration("sender", true)

	sw := m.p.Status()
	sw.Infof("Waiting for %d receiver(s)...", pr.nReceivers)
	for range pr.receivers {
		sw.Info("A receiver was connected.")
	}

	m.reply <- nil
	reg.attemptPromotion(m.path)
}

func (reg *Registry) handleRegisterReceiver(m registerReceiverMsg) {
	if m.n <= 0 {
		reg.observer.Registration("receiver", false)
		m.reply <- perrors.ErrInvalidReceiverCount.GenWithStackByArgs(m.n)
		return
	}
	if reg.maxReceiversPerPath > 0 && m.n > reg.maxReceiversPerPath {
		reg.observer.Registration("receiver", false)
		m.reply <- perrors.ErrReceiverCountExceedsMax.GenWithStackByArgs(m.n, reg.maxReceiversPerPath)
		return
	}

	entry := reg.paths[m.path]
	if entry != nil && entry.established {
		reg.observer.Registration("receiver", false)
		m.reply <- perrors.ErrPathEstablished.GenWithStackByArgs(m.path)
		return
	}

	if entry == nil {
		entry = &pathEntry{pending: &pendingRoute{nReceivers: m.n}}
		reg.paths[m.path] = entry
		reg.observer.PendingPaths(1)
	}

	pr := entry.pending
	if pr.nReceivers != m.n {
		reg.observer.Registration("receiver", false)
		m.reply <- perrors.ErrReceiverCountMismatch.GenWithStackByArgs(pr.nReceivers, m.n)
		return
	}
	if len(pr.receivers) >= pr.nReceivers {
		reg.observer.Registration("receiver", false)
		m.reply <- perrors.ErrReceiverLimitReached.GenWithStackByArgs(pr.nReceivers)
		return
	}

	pr.receivers = append(pr.receivers, m.p)
	reg.observer.Registration("receiver", true)

	if pr.sender != nil {
		pr.sender.Status().Info("A receiver was connected.")
	}

	m.reply <- nil
	reg.attemptPromotion(m.path)
}

func (reg *Registry) handleWithdraw(m withdrawMsg) {
	entry := reg.paths[m.path]
	if entry == nil || entry.pending == nil {
		return
	}
	pr := entry.pending

	switch {
	case pr.sender == m.p:
		pr.sender = nil
		// Stop the withdrawn sender's status writer off the actor goroutine,
		// since draining it writes to the sender's connection.
		go m.p.Status().Close()
	default:
		for i, r := range pr.receivers {
			if r == m.p {
				pr.receivers = append(pr.receivers[:i:i], pr.receivers[i+1:]...)
				break
			}
		}
	}

	if pr.empty() {
		delete(reg.paths, m.path)
		reg.observer.PendingPaths(-1)
	}
}

func (reg *Registry) handleClearEstablished(m clearEstablishedMsg) {
	entry := reg.paths[m.path]
	if entry == nil || !entry.established {
		return
	}
	delete(reg.paths, m.path)
	reg.observer.EstablishedPaths(-1)
}

// attemptPromotion is the linearisation point between pending and
// established: if the pending rendezvous on path is complete, every
// participant's abort handler is disarmed before the pending entry is
// replaced by the established marker, so a close event racing with
// promotion can never withdraw an already-promoted participant.
func (reg *Registry) attemptPromotion(path string) {
	entry := reg.paths[path]
	if entry == nil || entry.pending == nil {
		return
	}
	pr := entry.pending
	if pr.sender == nil || len(pr.receivers) != pr.nReceivers {
		return
	}

	pr.sender.Disarm()
	for _, r := range pr.receivers {
		r.Disarm()
	}

	er := &EstablishedRendezvous{
		Path:      path,
		Sender:    pr.sender,
		Receivers: append([]*Participant(nil), pr.receivers...),
	}

	reg.observer.PendingPaths(-1)
	reg.observer.EstablishedPaths(1)
	entry.pending = nil
	entry.established = true

	log.Info("rendezvous established",
		zap.String("path", path),
		zap.Int("receivers", len(er.Receivers)))

	if reg.onEstablished != nil {
		go reg.onEstablished(er)
	}
}
