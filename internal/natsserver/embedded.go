// Package natsserver runs an in-process NATS server so a single node needs
// no external broker.
package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-pipeline/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

// MaxPayload admits synthesized reply audio on delivery subjects, which
// routinely exceeds the 1MB server default.
const MaxPayload = 8 << 20

const readyTimeout = 5 * time.Second

type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start returns nil when cfg asks for an external bus. A port of -1 picks a
// free port. Credentials in cfg are enforced by the server so the embedded
// and external setups accept the same clients.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	log = log.With(slog.String("component", "nats-embedded"))

	host := cfg.Host
	if host == "" {
		host = "0.0.0.0"
	}
	opts := &server.Options{
		ServerName: "loqa-pipeline",
		Host:       host,
		Port:       cfg.Port,
		MaxPayload: MaxPayload,
		NoSigs:     true,
		NoLog:      true,
	}
	switch {
	case cfg.Token != "":
		opts.Authorization = cfg.Token
	case cfg.Username != "":
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after %s", readyTimeout)
	}
	log.Info("embedded NATS server started", slog.String("url", ns.ClientURL()))
	return &EmbeddedServer{ns: ns, log: log}, nil
}

// ClientURL is the address clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Connections is the number of clients currently attached.
func (e *EmbeddedServer) Connections() int {
	if e == nil || e.ns == nil {
		return 0
	}
	return e.ns.NumClients()
}

// Shutdown stops the server and waits for it. Safe on nil.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
