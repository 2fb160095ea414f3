// ABOUTME: Tests for the null audio host
// ABOUTME: Verifies callback delivery, port naming and shutdown signaling
package audiohost

import (
	"errors"
	"testing"
	"time"
)

func TestNullHostDeliversCallbacks(t *testing.T) {
	h := NewNull(48000, 64)
	if _, err := h.RegisterPorts("test", 2, 2); err != nil {
		t.Fatal(err)
	}

	fired := make(chan struct{}, 16)
	h.SetProcessCallback(func(in, out [][]float32) {
		if len(in) != 2 || len(out) != 2 {
			t.Errorf("expected 2 in / 2 out buffers, got %d/%d", len(in), len(out))
		}
		if len(in[0]) != 64 {
			t.Errorf("expected 64-frame buffers, got %d", len(in[0]))
		}
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	if err := h.Start(); err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestNullHostPortNames(t *testing.T) {
	h := NewNull(48000, 64)
	ports, err := h.RegisterPorts("jam", 1, 2)
	if err != nil {
		t.Fatal(err)
	}

	if len(ports) != 3 {
		t.Fatalf("expected 3 ports, got %d", len(ports))
	}
	if ports[0].Name != "jam:capture_1" || !ports[0].Capture {
		t.Errorf("unexpected capture port %+v", ports[0])
	}
	// Playback handles follow the output channel count.
	if ports[1].Name != "jam:playback_1" || ports[1].Capture {
		t.Errorf("unexpected playback port %+v", ports[1])
	}
	if ports[2].Name != "jam:playback_2" {
		t.Errorf("unexpected playback port %+v", ports[2])
	}
}

func TestNullHostStartWithoutCallbackFails(t *testing.T) {
	h := NewNull(48000, 64)
	if _, err := h.RegisterPorts("test", 1, 1); err != nil {
		t.Fatal(err)
	}
	if err := h.Start(); err == nil {
		t.Fatal("expected error starting without a callback")
	}
}

func TestNullHostShutdownSignal(t *testing.T) {
	h := NewNull(48000, 64)
	var got error
	h.SetShutdownCallback(func(err error) { got = err })

	cause := errors.New("device unplugged")
	h.FailBackend(cause)
	if !errors.Is(got, cause) {
		t.Errorf("expected shutdown callback to receive cause, got %v", got)
	}
}

func TestNullHostStopIsIdempotent(t *testing.T) {
	h := NewNull(48000, 64)
	if _, err := h.RegisterPorts("test", 1, 1); err != nil {
		t.Fatal(err)
	}
	h.SetProcessCallback(func(in, out [][]float32) {})
	if err := h.Start(); err != nil {
		t.Fatal(err)
	}
	if err := h.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := h.Stop(); err != nil {
		t.Fatal(err)
	}
}
