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

package pipe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/atachimiko/custompip/pkg/rendezvous"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newParticipant(method, target, body string, headers map[string]string) *rendezvous.Participant {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	return rendezvous.NewParticipant(rec, req)
}

// noopRegistry satisfies Engine.Run's single ClearEstablished call per test
// without an actor goroutine: the send lands in the registry's request
// buffer and is simply never drained, which is fine since nothing else
// observes it and the buffer (256) comfortably holds one entry.
func noopRegistry() *rendezvous.Registry {
	return rendezvous.NewRegistry(nil, nil, 0)
}

// httpParticipants captures the real *http.Request/http.ResponseWriter pair
// the net/http server hands to a handler at path, the way the production
// router does, so the resulting Participant's Writer supports http.Hijacker.
// The handler blocks on a release channel until the caller is done driving
// the engine directly against the captured writer.
func httpParticipants(mux *http.ServeMux, path string) (participantCh chan *rendezvous.Participant, release chan struct{}) {
	participantCh = make(chan *rendezvous.Participant, 1)
	release = make(chan struct{})
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		participantCh <- rendezvous.NewParticipant(w, r)
		<-release
	})
	return participantCh, release
}

func runEngine(t *testing.T, er *rendezvous.EstablishedRendezvous) {
	t.Helper()
	e := New(noopRegistry(), nil)
	done := make(chan struct{})
	go func() {
		e.Run(er)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not terminate")
	}
}

func TestEngineRawBodySingleReceiver(t *testing.T) {
	sender := newParticipant("PUT", "http://x/foo", "hello", map[string]string{
		"Content-Type": "text/plain",
	})
	receiver := newParticipant("GET", "http://x/foo", "", nil)

	runEngine(t, &rendezvous.EstablishedRendezvous{
		Path:      "/foo",
		Sender:    sender,
		Receivers: []*rendezvous.Participant{receiver},
	})

	rec := receiver.Writer.(*httptest.ResponseRecorder)
	require.Equal(t, "hello", rec.Body.String())
	require.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
}

func TestEngineMultipartFirstPart(t *testing.T) {
	body := "--X\r\n" +
		"Content-Disposition: attachment; filename=x.png\r\n" +
		"Content-Type: image/png\r\n\r\n" +
		"PNGDATA\r\n" +
		"--X--\r\n"
	sender := newParticipant("POST", "http://x/m", body, map[string]string{
		"Content-Type": "multipart/form-data; boundary=X",
	})
	receiver := newParticipant("GET", "http://x/m", "", nil)

	runEngine(t, &rendezvous.EstablishedRendezvous{
		Path:      "/m",
		Sender:    sender,
		Receivers: []*rendezvous.Participant{receiver},
	})

	rec := receiver.Writer.(*httptest.ResponseRecorder)
	require.Equal(t, "PNGDATA", rec.Body.String())
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, "attachment; filename=x.png", rec.Header().Get("Content-Disposition"))
}

func TestEngineFanOutToTwoReceivers(t *testing.T) {
	sender := newParticipant("PUT", "http://x/bar", "abc", nil)
	r1 := newParticipant("GET", "http://x/bar", "", nil)
	r2 := newParticipant("GET", "http://x/bar", "", nil)

	runEngine(t, &rendezvous.EstablishedRendezvous{
		Path:      "/bar",
		Sender:    sender,
		Receivers: []*rendezvous.Participant{r1, r2},
	})

	require.Equal(t, "abc", r1.Writer.(*httptest.ResponseRecorder).Body.String())
	require.Equal(t, "abc", r2.Writer.(*httptest.ResponseRecorder).Body.String())
}

func TestEngineSourceErrorNotifiesSender(t *testing.T) {
	sender := newParticipant("PUT", "http://x/err", "", nil)
	// A malformed multipart Content-Type (missing boundary) forces
	// chooseSource to fail before any receiver header is written.
	sender.Request.Header.Set("Content-Type", "multipart/form-data")
	receiver := newParticipant("GET", "http://x/err", "", nil)

	runEngine(t, &rendezvous.EstablishedRendezvous{
		Path:      "/err",
		Sender:    sender,
		Receivers: []*rendezvous.Participant{receiver},
	})

	senderRec := sender.Writer.(*httptest.ResponseRecorder)
	require.Contains(t, senderRec.Body.String(), "[ERROR] Sending failed.")
}

// TestEngineSenderDisconnectForciblyClosesReceivers exercises the
// sender-disconnects-mid-stream termination path: the source has no known
// Content-Length (a chunked body, same as the multipart-source case), so a
// handler that merely stops writing would let net/http finish the response
// with a clean EOF instead of an aborted one. The receiver's connection must
// be forcibly torn down instead.
func TestEngineSenderDisconnectForciblyClosesReceivers(t *testing.T) {
	mux := http.NewServeMux()
	senderCh, releaseSender := httpParticipants(mux, "/sender")
	receiverCh, releaseReceiver := httpParticipants(mux, "/receiver")
	srv := httptest.NewServer(mux)
	defer srv.Close()

	pr, pw := io.Pipe()
	senderCtx, cancelSender := context.WithCancel(context.Background())
	senderReq, err := http.NewRequestWithContext(senderCtx, http.MethodPut, srv.URL+"/sender", pr)
	require.NoError(t, err)
	senderReq.Header.Set("Content-Type", "text/plain")
	senderReq.ContentLength = -1

	senderReqDone := make(chan struct{})
	go func() {
		resp, _ := http.DefaultClient.Do(senderReq)
		if resp != nil {
			resp.Body.Close()
		}
		close(senderReqDone)
	}()

	receiverReq, err := http.NewRequest(http.MethodGet, srv.URL+"/receiver", nil)
	require.NoError(t, err)
	receiverRespCh := make(chan *http.Response, 1)
	go func() {
		resp, err := http.DefaultClient.Do(receiverReq)
		require.NoError(t, err)
		receiverRespCh <- resp
	}()

	sender := <-senderCh
	receiver := <-receiverCh
	resp := <-receiverRespCh
	defer resp.Body.Close()

	readErrCh := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(resp.Body)
		readErrCh <- err
	}()

	engineDone := make(chan struct{})
	e := New(noopRegistry(), nil)
	go func() {
		e.Run(&rendezvous.EstablishedRendezvous{
			Path:      "/sender",
			Sender:    sender,
			Receivers: []*rendezvous.Participant{receiver},
		})
		close(engineDone)
	}()

	_, err = pw.Write([]byte("partial"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	cancelSender()

	select {
	case <-engineDone:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not terminate after sender disconnect")
	}

	select {
	case err := <-readErrCh:
		require.Error(t, err, "receiver should observe an abrupt close, not a clean EOF")
	case <-time.After(2 * time.Second):
		t.Fatal("receiver body read did not observe the forced close")
	}

	close(releaseSender)
	close(releaseReceiver)
	<-senderReqDone
	_ = pw.Close()
}

// TestEngineSoleReceiverDisconnectForciblyClosesSender exercises the
// all-receivers-gone termination path: once the only receiver detaches
// mid-transfer, the sender's connection is forcibly destroyed rather than
// left to drain, matching outcomeReceiversClosed.
func TestEngineSoleReceiverDisconnectForciblyClosesSender(t *testing.T) {
	mux := http.NewServeMux()
	senderCh, releaseSender := httpParticipants(mux, "/s2")
	receiverCh, releaseReceiver := httpParticipants(mux, "/r2")
	srv := httptest.NewServer(mux)
	defer srv.Close()

	pr, pw := io.Pipe()
	senderReq, err := http.NewRequest(http.MethodPut, srv.URL+"/s2", pr)
	require.NoError(t, err)
	senderReq.Header.Set("Content-Type", "text/plain")
	senderReq.ContentLength = -1

	senderRespCh := make(chan *http.Response, 1)
	go func() {
		resp, err := http.DefaultClient.Do(senderReq)
		require.NoError(t, err)
		senderRespCh <- resp
	}()

	receiverCtx, cancelReceiver := context.WithCancel(context.Background())
	receiverReq, err := http.NewRequestWithContext(receiverCtx, http.MethodGet, srv.URL+"/r2", nil)
	require.NoError(t, err)
	receiverReqDone := make(chan struct{})
	go func() {
		resp, _ := http.DefaultClient.Do(receiverReq)
		if resp != nil {
			resp.Body.Close()
		}
		close(receiverReqDone)
	}()

	sender := <-senderCh
	receiver := <-receiverCh

	senderReadErrCh := make(chan error, 1)
	go func() {
		resp := <-senderRespCh
		defer resp.Body.Close()
		_, err := io.ReadAll(resp.Body)
		senderReadErrCh <- err
	}()

	engineDone := make(chan struct{})
	e := New(noopRegistry(), nil)
	go func() {
		e.Run(&rendezvous.EstablishedRendezvous{
			Path:      "/s2",
			Sender:    sender,
			Receivers: []*rendezvous.Participant{receiver},
		})
		close(engineDone)
	}()

	_, err = pw.Write([]byte("partial"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	cancelReceiver()

	// The dead receiver's sink is only discovered by fanOut when it next
	// tries to deliver a chunk to it, so keep pumping the source until the
	// engine notices and terminates.
	writePump := make(chan struct{})
	go func() {
		defer close(writePump)
		for i := 0; i < 100; i++ {
			select {
			case <-engineDone:
				return
			default:
			}
			if _, err := pw.Write([]byte("x")); err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	select {
	case <-engineDone:
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not terminate after receiver disconnect")
	}
	// Unblock the write pump if it's sitting in a blocked Write (the engine
	// has already stopped reading the source by this point).
	_ = pr.Close()
	<-writePump
	_ = pw.Close()

	select {
	case err := <-senderReadErrCh:
		require.Error(t, err, "sender's connection should be forcibly closed, not drained to a clean EOF")
	case <-time.After(2 * time.Second):
		t.Fatal("sender body read did not observe the forced close")
	}

	close(releaseSender)
	close(releaseReceiver)
	<-receiverReqDone
}
