package procsentry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealthPeerChecker implements Connection.PeerChecker by issuing a
// standard gRPC health-check RPC against a worker's advertised health
// address. Unlike the teacher's transport_grpc.go, which depended on a
// hand-generated client it never finished wiring, this uses
// google.golang.org/grpc/health/grpc_health_v1 — the health-checking
// service bundled with the grpc module itself — so no .proto or codegen
// step is needed. A SERVING reply accepts the peer-binding check;
// anything else, including a dial or RPC failure, is treated as "already
// bound elsewhere" and rejects it.
type GRPCHealthPeerChecker struct {
	target  string
	service string
	timeout time.Duration

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// NewGRPCHealthPeerChecker builds a checker against target (a
// "host:port" or "unix:<path>" gRPC target). service is the health
// service name to query; empty means the server's overall status.
func NewGRPCHealthPeerChecker(target, service string, timeout time.Duration) *GRPCHealthPeerChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &GRPCHealthPeerChecker{target: target, service: service, timeout: timeout}
}

// Check implements the PeerChecker signature expected by Connection.
func (c *GRPCHealthPeerChecker) Check(ctx context.Context) (bool, error) {
	conn, err := c.dial()
	if err != nil {
		return false, fmt.Errorf("procsentry: dial health endpoint %s: %w", c.target, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	client := grpc_health_v1.NewHealthClient(conn)
	resp, err := client.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: c.service})
	if err != nil {
		return false, fmt.Errorf("procsentry: health check rpc: %w", err)
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		return false, fmt.Errorf("procsentry: %w: health status %s", ErrPeerBindingRejected, resp.Status)
	}
	return true, nil
}

func (c *GRPCHealthPeerChecker) dial() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := grpc.NewClient(c.target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// Close releases the underlying connection, if one was ever opened.
func (c *GRPCHealthPeerChecker) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
