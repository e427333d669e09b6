package wire

import (
	"bytes"
	"testing"
)

func TestTCPFramerSingleMessage(t *testing.T) {
	t.Parallel()

	framed, err := FrameDNSTCP([]byte("hello"))
	if err != nil {
		t.Fatalf("FrameDNSTCP: %v", err)
	}

	var f TCPFramer
	f.Feed(framed)

	msg, ok := f.Next()
	if !ok {
		t.Fatal("expected a complete message")
	}
	if !bytes.Equal(msg, []byte("hello")) {
		t.Fatalf("got %q, want %q", msg, "hello")
	}
	if _, ok := f.Next(); ok {
		t.Fatal("expected no further message")
	}
}

func TestTCPFramerPartialReadsRestart(t *testing.T) {
	t.Parallel()

	framed, err := FrameDNSTCP([]byte("abcdef"))
	if err != nil {
		t.Fatalf("FrameDNSTCP: %v", err)
	}

	var f TCPFramer
	// Feed one byte at a time, including splitting the length prefix
	// itself, and expect nothing until the final byte arrives.
	for i := 0; i < len(framed)-1; i++ {
		f.Feed(framed[i : i+1])
		if _, ok := f.Next(); ok {
			t.Fatalf("expected no message before byte %d arrived", len(framed)-1)
		}
	}
	f.Feed(framed[len(framed)-1:])

	msg, ok := f.Next()
	if !ok || !bytes.Equal(msg, []byte("abcdef")) {
		t.Fatalf("got %q, ok=%v, want %q", msg, ok, "abcdef")
	}
}

func TestTCPFramerMultipleMessagesInOneRead(t *testing.T) {
	t.Parallel()

	first, err := FrameDNSTCP([]byte("one"))
	if err != nil {
		t.Fatalf("FrameDNSTCP: %v", err)
	}
	second, err := FrameDNSTCP([]byte("two"))
	if err != nil {
		t.Fatalf("FrameDNSTCP: %v", err)
	}

	var f TCPFramer
	f.Feed(append(append([]byte{}, first...), second...))

	got1, ok := f.Next()
	if !ok || !bytes.Equal(got1, []byte("one")) {
		t.Fatalf("first message: got %q ok=%v", got1, ok)
	}
	got2, ok := f.Next()
	if !ok || !bytes.Equal(got2, []byte("two")) {
		t.Fatalf("second message: got %q ok=%v", got2, ok)
	}
	if _, ok := f.Next(); ok {
		t.Fatal("expected no third message")
	}
}

func TestFrameDNSTCPRejectsOversizedMessage(t *testing.T) {
	t.Parallel()

	if _, err := FrameDNSTCP(make([]byte, MaxDNSTCPMessageSize+1)); err == nil {
		t.Fatal("expected an error for a message exceeding the length-prefix range")
	}
}
