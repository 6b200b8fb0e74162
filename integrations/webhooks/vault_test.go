package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	coretypes "termchain/core/types"
)

type stubEvent struct {
	evt *coretypes.Event
}

func (s stubEvent) EventType() string       { return s.evt.Type }
func (s stubEvent) Event() *coretypes.Event { return s.evt }

type bareEvent struct{}

func (bareEvent) EventType() string { return "vault.entered" }

func liquidationEvent() stubEvent {
	return stubEvent{evt: &coretypes.Event{
		Type: "vault.deleveraged",
		Attributes: map[string]string{
			"vault":   "vault-1",
			"deposit": "400",
		},
	}}
}

func TestDispatcherDeliversSignedPayload(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(server.URL, []byte("secret"))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer dispatcher.Close()

	dispatcher.Emit(liquidationEvent())

	select {
	case r := <-received:
		body := <-bodies
		if r.Header.Get("X-Termchain-Event") != "vault.deleveraged" {
			t.Fatalf("unexpected event header %q", r.Header.Get("X-Termchain-Event"))
		}
		mac := hmac.New(sha256.New, []byte("secret"))
		mac.Write(body)
		want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		if r.Header.Get("X-Termchain-Signature") != want {
			t.Fatal("signature mismatch")
		}
		var payload Payload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.Attributes["deposit"] != "400" {
			t.Fatalf("unexpected attributes %+v", payload.Attributes)
		}
		if !strings.HasPrefix(payload.DeliveryID, "vault.deleveraged-") {
			t.Fatalf("unexpected delivery id %q", payload.DeliveryID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("delivery timed out")
	}
}

func TestDispatcherRetriesFailedDelivery(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(server.URL, []byte("secret"),
		WithRetryPolicy(3, 10*time.Millisecond, 20*time.Millisecond))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer dispatcher.Close()

	dispatcher.Emit(liquidationEvent())

	deadline := time.After(5 * time.Second)
	for atomic.LoadInt32(&calls) < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected retry, saw %d calls", atomic.LoadInt32(&calls))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDispatcherIgnoresForeignEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("no delivery expected")
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(server.URL, []byte("secret"))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer dispatcher.Close()

	dispatcher.Emit(nil)
	dispatcher.Emit(bareEvent{})
	time.Sleep(50 * time.Millisecond)
}

func TestDispatcherRequiresEndpointAndSecret(t *testing.T) {
	if _, err := NewDispatcher("", []byte("secret")); err == nil {
		t.Fatal("expected endpoint error")
	}
	if _, err := NewDispatcher("http://localhost", nil); err == nil {
		t.Fatal("expected secret error")
	}
}
