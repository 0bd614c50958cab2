package bus

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/narrolabs/narro-core/internal/config"
	"github.com/narrolabs/narro-core/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	es, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(es.Shutdown)

	cfg.Servers = []string{es.ClientURL()}
	client, err := Connect(cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	if !client.Healthy() {
		t.Fatal("connected client should report healthy")
	}

	received := make(chan []byte, 1)
	sub, err := client.Subscribe("narro.conversion.accepted", func(msg *nats.Msg) {
		received <- msg.Data
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Drain()

	if err := client.Publish("narro.conversion.accepted", []byte(`{"job_id":"j1"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != `{"job_id":"j1"}` {
			t.Fatalf("payload = %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestNilClientDegradesToNoOp(t *testing.T) {
	var client *Client

	if err := client.Publish("narro.conversion.accepted", []byte("x")); err != nil {
		t.Fatalf("nil publish should drop silently, got %v", err)
	}
	if client.Healthy() {
		t.Fatal("nil client must not report healthy")
	}
	if _, err := client.Subscribe("narro.conversion.accepted", func(*nats.Msg) {}); err == nil {
		t.Fatal("nil subscribe should error")
	}
	client.Close()
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(config.BusConfig{}, newLogger()); err == nil {
		t.Fatal("connect with no servers should error")
	}
}
