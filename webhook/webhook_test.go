package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inletmail/inlet/config"
	"github.com/inletmail/inlet/mlog"
)

var ctxbg = context.Background()

func TestDeliver(t *testing.T) {
	backoffBase = time.Millisecond

	var reqs atomic.Int32
	var handler http.HandlerFunc
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	defer hs.Close()

	log := mlog.New("webhook", nil)
	in := Incoming{
		MessageID:  "01HYQ96AVG61Q8QTFNFJ7EBB2N",
		From:       "mjl@remote.example",
		To:         []string{"support@inlet.example", "sales@inlet.example"},
		Size:       123,
		ReceivedAt: time.Now(),
	}

	// Delivered on the first attempt, with wire format and headers checked.
	handler = func(w http.ResponseWriter, r *http.Request) {
		reqs.Add(1)
		if r.Method != "POST" {
			http.Error(w, "bad method", http.StatusMethodNotAllowed)
			return
		}
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "inlet/") {
			http.Error(w, "bad user-agent", http.StatusBadRequest)
			return
		}
		if r.Header.Get("X-Inlet-Webhook-ID") != in.MessageID || r.Header.Get("X-Inlet-Webhook-Attempt") != "1" {
			http.Error(w, "bad webhook header", http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}
		for _, field := range []string{"message_id", "from", "to", "size", "received_at"} {
			if !strings.Contains(string(body), fmt.Sprintf("%q:", field)) {
				http.Error(w, "missing field "+field, http.StatusBadRequest)
				return
			}
		}
		var got Incoming
		if err := json.Unmarshal(body, &got); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if got.MessageID != in.MessageID || got.From != in.From || len(got.To) != 2 || got.To[0] != in.To[0] || got.Size != in.Size {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, "ok")
	}

	d := NewDispatcher(config.Webhook{URL: hs.URL, Attempts: 3, Timeout: 5 * time.Second})
	d.Deliver(ctxbg, log, in)
	d.Wait()
	if n := reqs.Load(); n != 1 {
		t.Fatalf("got %d requests, expected 1", n)
	}

	// Server errors at first, delivery succeeds on the final attempt.
	reqs.Store(0)
	handler = func(w http.ResponseWriter, r *http.Request) {
		n := reqs.Add(1)
		if n < 3 {
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
		if r.Header.Get("X-Inlet-Webhook-Attempt") != "3" {
			http.Error(w, "bad attempt header", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, "ok")
	}
	d.Deliver(ctxbg, log, in)
	d.Wait()
	if n := reqs.Load(); n != 3 {
		t.Fatalf("got %d requests, expected 3", n)
	}

	// Attempts exhausted, notification is dropped.
	reqs.Store(0)
	handler = func(w http.ResponseWriter, r *http.Request) {
		reqs.Add(1)
		http.Error(w, "server error", http.StatusInternalServerError)
	}
	d.Deliver(ctxbg, log, in)
	d.Wait()
	if n := reqs.Load(); n != 3 {
		t.Fatalf("got %d requests, expected 3 before giving up", n)
	}

	// A canceled context abandons the pending retry. Wait would block for an
	// hour if the backoff sleep were not aborted.
	backoffBase = time.Hour
	reqs.Store(0)
	ctx, cancel := context.WithCancel(ctxbg)
	defer cancel()
	handler = func(w http.ResponseWriter, r *http.Request) {
		reqs.Add(1)
		cancel()
		http.Error(w, "server error", http.StatusInternalServerError)
	}
	d.Deliver(ctx, log, in)
	d.Wait()
	if n := reqs.Load(); n != 1 {
		t.Fatalf("got %d requests, expected 1 with canceled context", n)
	}
}

func TestUnconfigured(t *testing.T) {
	// Without Start, package-level delivery must be a cheap no-op.
	Start(nil)
	Deliver(ctxbg, mlog.New("webhook", nil), Incoming{MessageID: "x"})
	Wait()
}
