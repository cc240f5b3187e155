package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-pipeline/internal/bus"
	"github.com/loqalabs/loqa-pipeline/internal/config"
	"github.com/loqalabs/loqa-pipeline/internal/natsserver"
	"github.com/loqalabs/loqa-pipeline/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func nodeConfig(id string) config.NodeConfig {
	return config.NodeConfig{ID: id, Role: "pipeline", HeartbeatInterval: 50, HeartbeatTimeout: 200}
}

func TestStaticResolve(t *testing.T) {
	r, err := New(context.Background(), nodeConfig("local"), config.RegistryConfig{
		Services: map[string]string{"stt": "http://stt.local:9000/v1/transcribe"},
	}, nil, newLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Close)

	got, err := r.Resolve("stt")
	if err != nil || got != "http://stt.local:9000/v1/transcribe" {
		t.Fatalf("Resolve(stt) = %q, %v", got, err)
	}
	if _, err := r.Resolve("tts"); !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
	if err := r.Register("tts", "not a url"); err == nil {
		t.Fatal("expected invalid url to be rejected")
	}
	if err := r.Register("tts", "http://tts.local:5002/speak"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got, _ := r.Resolve("tts"); got != "http://tts.local:5002/speak" {
		t.Fatalf("unexpected tts endpoint %q", got)
	}
}

func TestInvalidStaticEntry(t *testing.T) {
	_, err := New(context.Background(), nodeConfig("local"), config.RegistryConfig{
		Services: map[string]string{"llm": "://broken"},
	}, nil, newLogger())
	if err == nil {
		t.Fatal("expected error for invalid static entry")
	}
}

func TestAnnouncedServiceExpires(t *testing.T) {
	r, err := New(context.Background(), nodeConfig("local"), config.RegistryConfig{}, nil, newLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Close)

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	r.clock = func() time.Time { return now }
	r.updateNode("gpu-1", "inference", []Capability{
		{Name: "llm", Attributes: map[string]string{EndpointAttribute: "http://gpu-1:8080/turn"}},
		{Name: "embeddings"},
	}, now, true)

	if got, err := r.Resolve("llm"); err != nil || got != "http://gpu-1:8080/turn" {
		t.Fatalf("Resolve(llm) = %q, %v", got, err)
	}
	if _, err := r.Resolve("embeddings"); !errors.Is(err, ErrServiceNotFound) {
		t.Fatal("capability without endpoint must not resolve")
	}

	now = now.Add(time.Second)
	if _, err := r.Resolve("llm"); !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("stale node should not resolve, got %v", err)
	}
	nodes := r.Nodes()
	if len(nodes) != 2 || nodes[0].ID != "gpu-1" || nodes[0].Healthy {
		t.Fatalf("unexpected nodes %+v", nodes)
	}
}

func TestAnnouncementOverBus(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	cfg := nodeConfig("local")
	cfg.HeartbeatTimeout = 5000
	r, err := New(context.Background(), cfg, config.RegistryConfig{}, client, newLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Close)

	err = client.PublishJSON(protocol.SubjectNodeAnnounce, announceMessage{
		NodeID: "speech-box",
		Role:   "inference",
		Capabilities: []Capability{
			{Name: "tts", Attributes: map[string]string{EndpointAttribute: "http://speech-box:5002/speak"}},
		},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := r.Resolve("tts")
		if err == nil {
			if got != "http://speech-box:5002/speak" {
				t.Fatalf("unexpected endpoint %q", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("announcement never resolved: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
