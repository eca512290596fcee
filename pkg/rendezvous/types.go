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

// pendingRoute tracks the partially-arrived sender and receivers on a path
// that has not yet been established. nReceivers is fixed by whichever party
// arrives first; every later arrival on the same path must match it exactly.
type pendingRoute struct {
	nReceivers int
	sender     *Participant
	receivers  []*Participant
}

func (pr *pendingRoute) empty() bool {
	return pr.sender == nil && len(pr.receivers) == 0
}

// pathEntry is the registry's per-path slot. It holds at most one of
// {pending, established}: established is true only once pending has been
// promoted and cleared.
type pathEntry struct {
	pending     *pendingRoute
	established bool
}

// EstablishedRendezvous is handed to the Pipe Engine once a path's declared
// receiver count has been met. Receivers preserve arrival order.
type EstablishedRendezvous struct {
	Path      string
	Sender    *Participant
	Receivers []*Participant
}

// Observer receives registry lifecycle notifications for metrics. All
// methods must be safe to call from the registry's single actor goroutine
// and must not block.
type Observer interface {
	// Registration is called once per registration attempt with the verb
	// ("sender" or "receiver") and whether it succeeded.
	Registration(verb string, ok bool)
	// PendingPaths reports the signed delta in the number of paths
	// currently holding a pending (not yet established) rendezvous.
	PendingPaths(delta int)
	// EstablishedPaths reports the signed delta in the number of paths
	// currently streaming.
	EstablishedPaths(delta int)
}

// NopObserver implements Observer with no-ops.
type NopObserver struct{}

// Registration implements Observer.
func (NopObserver) Registration(string, bool) {}

// PendingPaths implements Observer.
func (NopObserver) PendingPaths(int) {}

// EstablishedPaths implements Observer.
func (NopObserver) EstablishedPaths(int) {}
