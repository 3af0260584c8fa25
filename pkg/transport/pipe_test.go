package transport

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestPipeRoundTrip(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	msg := []byte("datagram")
	if err := a.Send(msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := b.Recv(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("recv = %q", got)
	}
}

func TestPipeRecvTimeout(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	if _, err := b.Recv(time.Now().Add(20 * time.Millisecond)); !errors.Is(err, ErrRecvTimeout) {
		t.Fatalf("recv = %v, want ErrRecvTimeout", err)
	}
}

func TestPipeDropFunc(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	dropped := 0
	a.SetDropFunc(func(p []byte) bool {
		dropped++
		return dropped == 1
	})
	if err := a.Send([]byte("lost")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.Send([]byte("kept")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := b.Recv(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != "kept" {
		t.Fatalf("recv = %q, want kept", got)
	}
}

func TestPipeSendAfterClose(t *testing.T) {
	a, b := Pipe()
	a.Close()
	if err := a.Send([]byte("x")); !errors.Is(err, ErrPipeClosed) {
		t.Fatalf("send on closed = %v, want ErrPipeClosed", err)
	}
	// Sending toward a closed peer is silent loss, like UDP.
	b.Close()
	a2, b2 := Pipe()
	defer a2.Close()
	b2.Close()
	if err := a2.Send([]byte("x")); err != nil {
		t.Fatalf("send to closed peer = %v, want nil", err)
	}
}
