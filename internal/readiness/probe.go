// Package readiness replaces fixed startup delays with bounded active checks.
package readiness

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/randomizedcoder/go-headless-launcher/internal/process"
)

// Probe checks whether a dependency is ready. Check returns nil when ready.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.ProbeName }
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

// dialTimeout bounds a single connection attempt.
const dialTimeout = 500 * time.Millisecond

// SocketProbe is ready when a unix socket accepts a connection.
type SocketProbe struct {
	ProbeName string
	Path      string
}

func (p SocketProbe) Name() string { return p.ProbeName }

func (p SocketProbe) Check(ctx context.Context) error {
	return dial(ctx, "unix", p.Path)
}

// TCPProbe is ready when a TCP address accepts a connection.
type TCPProbe struct {
	ProbeName string
	Addr      string
}

func (p TCPProbe) Name() string { return p.ProbeName }

func (p TCPProbe) Check(ctx context.Context) error {
	return dial(ctx, "tcp", p.Addr)
}

func dial(ctx context.Context, network, addr string) error {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// CommandProbe is ready when a command exits 0.
type CommandProbe struct {
	ProbeName string
	Spec      process.Spec

	// Timeout bounds one invocation (default 2s).
	Timeout time.Duration
}

func (p CommandProbe) Name() string { return p.ProbeName }

func (p CommandProbe) Check(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := process.Output(ctx, p.Spec); err != nil {
		return fmt.Errorf("%s: %w", p.Spec.Path, err)
	}
	return nil
}
