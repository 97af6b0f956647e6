package wslink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chunkflow/chunkflow/internal/logging"
)

// echoServer upgrades every request and echoes binary messages back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, msg); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamRoundTrip(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Dial(ctx, wsURL(srv), logging.Discard())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	received := make(chan []byte, 4)
	go func() {
		_ = s.Run(func(msg []byte) {
			cp := append([]byte(nil), msg...)
			received <- cp
		})
	}()

	want := []byte{0x08, 0x2a, 0x30, 0x01}
	if err := s.WriteMessage(want); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	select {
	case got := <-received:
		if string(got) != string(want) {
			t.Fatalf("echoed %x, want %x", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no echo received")
	}
}

func TestWriteMessageCopiesBuffer(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Dial(ctx, wsURL(srv), logging.Discard())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	received := make(chan []byte, 4)
	go func() {
		_ = s.Run(func(msg []byte) {
			cp := append([]byte(nil), msg...)
			received <- cp
		})
	}()

	buf := []byte{1, 2, 3}
	if err := s.WriteMessage(buf); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	buf[0] = 99 // caller reuses the buffer immediately
	select {
	case got := <-received:
		if got[0] != 1 {
			t.Fatalf("message shared the caller's buffer: %v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no echo received")
	}
}

func TestWriteAfterClose(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Dial(ctx, wsURL(srv), logging.Discard())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	// The send queue is buffered, so a write may be accepted before the
	// closed state is observed; what matters is that it never blocks.
	done := make(chan struct{})
	go func() {
		_ = s.WriteMessage([]byte{1})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WriteMessage blocked after Close")
	}
}

func TestDialRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such link", http.StatusNotFound)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := Dial(ctx, wsURL(srv), logging.Discard()); err == nil {
		t.Fatal("Dial against a refusing server succeeded")
	}
}
