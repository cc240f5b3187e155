package natsserver

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-pipeline/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStartReturnsNilForExternalBus(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, newLogger())
	if err != nil || srv != nil {
		t.Fatalf("expected nil server, got %v (%v)", srv, err)
	}
	// nil receivers are safe
	srv.Shutdown()
	if srv.ClientURL() != "" || srv.Connections() != 0 {
		t.Fatal("expected zero values from nil server")
	}
}

func TestEmbeddedServerEnforcesToken(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1, Token: "s3cret"}, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	if _, err := nats.Connect(srv.ClientURL(), nats.Timeout(time.Second), nats.MaxReconnects(0)); err == nil {
		t.Fatal("expected connection without token to fail")
	}
	conn, err := nats.Connect(srv.ClientURL(), nats.Token("s3cret"), nats.Timeout(time.Second))
	if err != nil {
		t.Fatalf("connect with token: %v", err)
	}
	defer conn.Close()
	if conn.MaxPayload() != MaxPayload {
		t.Fatalf("expected max payload %d, got %d", MaxPayload, conn.MaxPayload())
	}
	deadline := time.Now().Add(time.Second)
	for srv.Connections() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected one connection, got %d", srv.Connections())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
