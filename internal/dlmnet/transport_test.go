package dlmnet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/godlm/internal/dlm/message"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var received []message.Frame

	server, err := New(2, "127.0.0.1:0", func(f message.Frame) {
		mu.Lock()
		received = append(received, f)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	client, err := New(1, "127.0.0.1:0", func(message.Frame) {})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	client.SetPeer(2, server.Addr().String())

	body := message.LookupBody{Resource: "res"}.Encode()
	if err := client.Send(context.Background(), 2, message.Header{Command: message.CmdLookup, Lockspace: 1, Epoch: 1}, body); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 frame received, got %d", len(received))
	}
	if received[0].Header.Command != message.CmdLookup {
		t.Fatalf("unexpected command: %v", received[0].Header.Command)
	}
	if received[0].Header.SourceNode != 1 {
		t.Fatalf("expected source node 1, got %d", received[0].Header.SourceNode)
	}
	got, err := message.DecodeLookupBody(received[0].Body)
	if err != nil {
		t.Fatal(err)
	}
	if got.Resource != "res" {
		t.Fatalf("unexpected resource: %q", got.Resource)
	}
}

func TestBackoffBounded(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 100*time.Millisecond)
	for i := 0; i < 10; i++ {
		d := b.Next()
		if d < 0 || d > 100*time.Millisecond {
			t.Fatalf("backoff out of bounds: %v", d)
		}
	}
}
