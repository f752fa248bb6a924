package relay

import (
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"go.uber.org/zap"
)

const embeddedReadyTimeout = 5 * time.Second

// EmbeddedConfig configures an in-process NATS server.
type EmbeddedConfig struct {
	Host string
	// Port -1 picks a random free port.
	Port int
}

// EmbeddedNATS is a NATS relay backed by a server running in this
// process, for single-host deployments that still want remote agents and
// observers to reach the relay over NATS.
type EmbeddedNATS struct {
	*NATS
	server *natsserver.Server
}

// Embedded starts a NATS server and connects a relay to it.
func Embedded(cfg EmbeddedConfig, opts ...NATSOption) (*EmbeddedNATS, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = -1
	}
	srv, err := natsserver.NewServer(&natsserver.Options{
		ServerName: "faultline-embedded",
		Host:       cfg.Host,
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded nats: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(embeddedReadyTimeout) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats not ready after %s", embeddedReadyTimeout)
	}

	n, err := ConnectNATS(srv.ClientURL(), opts...)
	if err != nil {
		srv.Shutdown()
		srv.WaitForShutdown()
		return nil, err
	}
	n.logger.Info("embedded nats started", zap.String("url", srv.ClientURL()))
	return &EmbeddedNATS{NATS: n, server: srv}, nil
}

// ClientURL is the URL remote agents and observers dial.
func (e *EmbeddedNATS) ClientURL() string { return e.server.ClientURL() }

// Close closes the relay connection, then shuts the server down.
func (e *EmbeddedNATS) Close() error {
	err := e.NATS.Close()
	e.server.Shutdown()
	e.server.WaitForShutdown()
	return err
}
