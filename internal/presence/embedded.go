package presence

import (
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// StartEmbeddedServer runs an in-process NATS server for deployments
// without an external broker. Returns the running server and its client URL.
func StartEmbeddedServer(host string, port int) (*natsserver.Server, string, error) {
	opts := &natsserver.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, "", fmt.Errorf("creating embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, "", fmt.Errorf("embedded nats server on %s:%d not ready", host, port)
	}
	return srv, srv.ClientURL(), nil
}
