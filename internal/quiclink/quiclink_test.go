package quiclink

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/chunkflow/chunkflow/internal/logging"
)

func listen(t *testing.T) *quic.Listener {
	t.Helper()
	tlsConf, err := ServerTLSConfig()
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}
	ln, err := quic.ListenAddr("127.0.0.1:0", tlsConf, DefaultQUICConfig())
	if err != nil {
		t.Fatalf("ListenAddr: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func TestStreamLoopback(t *testing.T) {
	ln := listen(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type accepted struct {
		stream *Stream
		header byte
		err    error
	}
	acceptCh := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			acceptCh <- accepted{err: err}
			return
		}
		s, h, err := Accept(ctx, conn, logging.Discard())
		acceptCh <- accepted{stream: s, header: h, err: err}
	}()

	conn, err := quic.DialAddr(ctx, ln.Addr().String(), ClientTLSConfig(), DefaultQUICConfig())
	if err != nil {
		t.Fatalf("DialAddr: %v", err)
	}
	client, err := Open(ctx, conn, HeaderWrite, logging.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	res := <-acceptCh
	if res.err != nil {
		t.Fatalf("accept side: %v", res.err)
	}
	if res.header != HeaderWrite {
		t.Fatalf("header = 0x%02x, want HeaderWrite", res.header)
	}

	received := make(chan []byte, 4)
	go func() {
		_ = res.stream.Run(func(msg []byte) {
			received <- append([]byte(nil), msg...)
		})
	}()

	msgs := [][]byte{
		{0x08, 0x2a, 0x30, 0x01},
		{}, // zero-length messages frame cleanly too
		{0xff},
	}
	for _, m := range msgs {
		if err := client.WriteMessage(m); err != nil {
			t.Fatalf("WriteMessage(%x): %v", m, err)
		}
	}
	for _, want := range msgs {
		select {
		case got := <-received:
			if !bytes.Equal(got, want) {
				t.Fatalf("received %x, want %x", got, want)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("message %x never arrived", want)
		}
	}
}

func TestAcceptRejectsUnknownHeader(t *testing.T) {
	ln := listen(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			errCh <- err
			return
		}
		_, _, err = Accept(ctx, conn, logging.Discard())
		errCh <- err
	}()

	conn, err := quic.DialAddr(ctx, ln.Addr().String(), ClientTLSConfig(), DefaultQUICConfig())
	if err != nil {
		t.Fatalf("DialAddr: %v", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("OpenStreamSync: %v", err)
	}
	if _, err := stream.Write([]byte{0x7f}); err != nil {
		t.Fatalf("write header: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("unknown header accepted")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("accept side never answered")
	}
}

func TestWriteMessageFrameLimit(t *testing.T) {
	s := &Stream{}
	if err := s.WriteMessage(make([]byte, maxMessageSize+1)); err == nil {
		t.Fatal("oversized message accepted")
	}
}
