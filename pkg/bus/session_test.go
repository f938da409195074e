package bus_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/Peterbackson-desing/dashboard/pkg/bus"
	"github.com/Peterbackson-desing/dashboard/pkg/bus/bustest"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func open(b *bustest.Broker, reconnect bool, retry time.Duration) *bus.Session {
	return bus.Open(bus.Config{
		BrokerURL:     "tcp://broker.test:1883",
		Reconnect:     reconnect,
		RetryInterval: retry,
		Factory:       b.Factory(),
		Logger:        quiet,
	})
}

func waitState(t *testing.T, s *bus.Session, want bus.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, have %s", want, s.State())
}

func TestConnectPublishClose(t *testing.T) {
	b := bustest.NewBroker()
	s := open(b, false, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}
	if err := s.Publish(ctx, "device1/cmd", []byte(`{"action":"auto"}`), 1); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	s.Close()
	s.Close()

	if s.State() != bus.Disconnected {
		t.Fatalf("expected disconnected after close, got %s", s.State())
	}
	if b.OpenClients() != 0 {
		t.Fatalf("client still connected after close")
	}
	pubs := b.Published()
	if len(pubs) != 1 || pubs[0].Topic != "device1/cmd" || pubs[0].QoS != 1 {
		t.Fatalf("unexpected publications %+v", pubs)
	}
	if err := s.Publish(context.Background(), "device1/cmd", nil, 1); !errors.Is(err, bus.ErrNotConnected) {
		t.Fatalf("publish after close: expected ErrNotConnected, got %v", err)
	}
}

func TestAuthRejectionFaults(t *testing.T) {
	b := bustest.NewBroker()
	b.SetConnectError(packets.ErrorRefusedBadUsernameOrPassword)
	s := open(b, true, 10*time.Millisecond)
	defer s.Close()

	err := s.WaitConnected(context.Background())
	if !errors.Is(err, bus.ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
	if s.State() != bus.Faulted {
		t.Fatalf("expected faulted, got %s", s.State())
	}

	time.Sleep(50 * time.Millisecond)
	if n := b.Connects(); n != 1 {
		t.Fatalf("faulted session retried: %d connect attempts", n)
	}
}

func TestEphemeralConnectFailure(t *testing.T) {
	b := bustest.NewBroker()
	b.SetConnectError(errors.New("dial tcp: connection refused"))
	s := open(b, false, 0)
	defer s.Close()

	err := s.WaitConnected(context.Background())
	if !errors.Is(err, bus.ErrConnectFailure) {
		t.Fatalf("expected ErrConnectFailure, got %v", err)
	}
	if s.State() != bus.Disconnected {
		t.Fatalf("expected disconnected, got %s", s.State())
	}
}

func TestFixedIntervalReconnect(t *testing.T) {
	const retry = 40 * time.Millisecond
	b := bustest.NewBroker()
	transient := errors.New("network unreachable")
	b.FailConnects(transient, transient, transient)
	s := open(b, true, retry)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}

	times := b.ConnectTimes()
	if len(times) != 4 {
		t.Fatalf("expected 4 connect attempts, got %d", len(times))
	}
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		// Constant delay: no attempt waits noticeably longer than the first.
		if gap < retry || gap > 3*retry {
			t.Fatalf("attempt %d gap %v outside fixed interval %v", i, gap, retry)
		}
	}
}

func TestReconnectAfterLossRestoresSubscription(t *testing.T) {
	b := bustest.NewBroker()
	s := open(b, true, 100*time.Millisecond)
	defer s.Close()

	ctx := context.Background()
	if err := s.WaitConnected(ctx); err != nil {
		t.Fatal(err)
	}
	var got atomic.Int32
	if err := s.Subscribe(ctx, "device1/telemetry", 1, func(bus.Message) { got.Add(1) }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	watch := s.Watch()
	b.DropAll(errors.New("EOF"))

	sawReconnecting := false
	deadline := time.After(2 * time.Second)
	for !sawReconnecting {
		select {
		case st := <-watch:
			if st == bus.Reconnecting {
				sawReconnecting = true
			}
		case <-deadline:
			t.Fatal("never observed reconnecting state")
		}
	}

	waitState(t, s, bus.Connected)
	if !b.Subscribed("device1/telemetry") {
		t.Fatal("subscription not restored after reconnect")
	}
	b.Inject("device1/telemetry", []byte(`{}`), false)
	if got.Load() != 1 {
		t.Fatalf("expected 1 delivery, got %d", got.Load())
	}
}

func TestEphemeralLossDisconnects(t *testing.T) {
	b := bustest.NewBroker()
	s := open(b, false, 0)
	defer s.Close()
	if err := s.WaitConnected(context.Background()); err != nil {
		t.Fatal(err)
	}

	b.DropAll(errors.New("EOF"))
	waitState(t, s, bus.Disconnected)
	if !errors.Is(s.Err(), bus.ErrConnectFailure) {
		t.Fatalf("expected ErrConnectFailure, got %v", s.Err())
	}
}

func TestPublishTimeout(t *testing.T) {
	b := bustest.NewBroker()
	b.HoldPublishes(true)
	s := open(b, false, 0)
	defer s.Close()
	if err := s.WaitConnected(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Publish(ctx, "device1/cmd", []byte("x"), 1); !errors.Is(err, bus.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestPublishFailure(t *testing.T) {
	b := bustest.NewBroker()
	b.FailPublishes(errors.New("broker refused"))
	s := open(b, false, 0)
	defer s.Close()
	if err := s.WaitConnected(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Publish(context.Background(), "device1/cmd", []byte("x"), 1); !errors.Is(err, bus.ErrPublishFailure) {
		t.Fatalf("expected ErrPublishFailure, got %v", err)
	}
}

func TestSubscribeRequiresConnected(t *testing.T) {
	b := bustest.NewBroker()
	b.SetConnectError(errors.New("refused"))
	s := open(b, true, time.Hour)
	defer s.Close()

	waitState(t, s, bus.Reconnecting)
	err := s.Subscribe(context.Background(), "t", 1, func(bus.Message) {})
	if !errors.Is(err, bus.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestNoCallbacksAfterClose(t *testing.T) {
	b := bustest.NewBroker()
	s := open(b, true, time.Hour)
	if err := s.WaitConnected(context.Background()); err != nil {
		t.Fatal(err)
	}
	var got atomic.Int32
	if err := s.Subscribe(context.Background(), "x", 1, func(bus.Message) { got.Add(1) }); err != nil {
		t.Fatal(err)
	}
	s.Close()
	b.Inject("x", []byte("late"), false)
	if got.Load() != 0 {
		t.Fatalf("handler ran after Close")
	}
}

func TestCloseWhileReconnectingIsPrompt(t *testing.T) {
	b := bustest.NewBroker()
	b.SetConnectError(errors.New("refused"))
	s := open(b, true, time.Hour)
	waitState(t, s, bus.Reconnecting)

	start := time.Now()
	s.Close()
	if d := time.Since(start); d > time.Second {
		t.Fatalf("Close took %v", d)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("event loop still running after Close")
	}
	if _, ok := <-drain(s.Watch()); ok {
		t.Fatal("watch channel not closed after Close")
	}
}

// drain returns ch after consuming the buffered current state.
func drain(ch <-chan bus.State) <-chan bus.State {
	<-ch
	return ch
}

func TestCloseWhileConnectingAbortsHandshake(t *testing.T) {
	b := bustest.NewBroker()
	b.HoldConnects(true)
	s := open(b, false, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.WaitConnected(ctx); !errors.Is(err, bus.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if s.State() != bus.Connecting {
		t.Fatalf("expected connecting, got %s", s.State())
	}

	s.Close()
	if n := b.AbortedConnects(); n != 1 {
		t.Fatalf("expected the pending connect to be aborted, got %d", n)
	}
	// A CONNACK arriving after Close must not revive the connection.
	if n := b.ReleaseConnects(); n != 0 {
		t.Fatalf("%d clients connected after close", n)
	}
	if b.OpenClients() != 0 {
		t.Fatal("client connected after close")
	}
	if s.State() != bus.Disconnected {
		t.Fatalf("expected disconnected, got %s", s.State())
	}
}

func TestHeldConnectCompletesOnRelease(t *testing.T) {
	b := bustest.NewBroker()
	b.HoldConnects(true)
	s := open(b, false, 0)
	defer s.Close()

	deadline := time.Now().Add(2 * time.Second)
	for b.Connects() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := b.ReleaseConnects(); n != 1 {
		t.Fatalf("expected 1 released connect, got %d", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}
}
