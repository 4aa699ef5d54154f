package feed

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nuha.dev/locshare/internal/sampler"
	"nuha.dev/locshare/internal/util/wc"
)

func pushConn(t *testing.T, f *Feed, lines []string) {
	t.Helper()
	client, server := net.Pipe()
	go f.handleConn(wc.NewWrappedConn(server, "pipe", 1, zerolog.Nop()))
	go func() {
		// drain acks so writes on the pipe never block
		buf := make([]byte, 16)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()
	go func() {
		defer client.Close()
		for _, l := range lines {
			if _, err := client.Write([]byte(l + "\n")); err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		time.Sleep(200 * time.Millisecond)
	}()
}

func TestFeedDeliversPushedFix(t *testing.T) {
	f := New(&Config{MaxFixAge: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := f.Watch(ctx, sampler.Request{})
	if err != nil {
		t.Fatal(err)
	}
	pushConn(t, f, []string{
		`{"type":"login","data":{"sn_type":"aid","serial":"cafe01"}}`,
		`{"type":"location","data":{"latitude":-6.2,"longitude":106.8,"accuracy":12.5}}`,
	})
	select {
	case s := <-ch:
		if s.Latitude != -6.2 || s.Longitude != 106.8 || s.Provider != "feed" {
			t.Fatalf("unexpected sample: %+v", s)
		}
	case <-ctx.Done():
		t.Fatal("no sample delivered")
	}
}

func TestFeedRejectsNonLoginFirst(t *testing.T) {
	f := New(&Config{MaxFixAge: time.Minute})
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		f.handleConn(wc.NewWrappedConn(server, "pipe", 2, zerolog.Nop()))
		close(done)
	}()
	_, _ = client.Write([]byte(`{"type":"location","data":{"latitude":1}}` + "\n"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after protocol violation")
	}
	client.Close()
}

func TestFeedDiscardsMalformedLocation(t *testing.T) {
	f := New(&Config{MaxFixAge: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := f.Watch(ctx, sampler.Request{})
	if err != nil {
		t.Fatal(err)
	}
	pushConn(t, f, []string{
		`{"type":"login","data":{"sn_type":"aid","serial":"cafe02"}}`,
		`{"type":"location","data":"not-an-object"}`,
		`{"type":"location","data":{"latitude":3.1,"longitude":101.6,"accuracy":8}}`,
	})
	select {
	case s := <-ch:
		if s.Latitude != 3.1 {
			t.Fatalf("unexpected sample: %+v", s)
		}
	case <-ctx.Done():
		t.Fatal("good sample after malformed one not delivered")
	}
}

func TestFeedCurrentUsesCachedFix(t *testing.T) {
	f := New(&Config{MaxFixAge: time.Minute})
	f.publish(sampler.Sample{Latitude: 1, Longitude: 2, CapturedAt: time.Now(), Provider: "feed"})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s, err := f.Current(ctx, sampler.Request{})
	if err != nil {
		t.Fatal(err)
	}
	if s.Latitude != 1 {
		t.Fatalf("unexpected sample: %+v", s)
	}
}

func TestFeedCurrentTimesOutWithoutFix(t *testing.T) {
	f := New(&Config{MaxFixAge: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.Current(ctx, sampler.Request{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
