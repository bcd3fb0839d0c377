package registry

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/toolrelay/internal/mcp"
)

// scanPorts dials every port in [lo, hi] on the loopback interface and
// returns the ones that accepted a connection.
func scanPorts(ctx context.Context, lo, hi int, timeout time.Duration) map[int]bool {
	var (
		mu   sync.Mutex
		open = make(map[int]bool)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultScanConcurrency)
	for port := lo; port <= hi; port++ {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			d := net.Dialer{Timeout: timeout}
			c, err := d.DialContext(gctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
			if err != nil {
				return nil
			}
			_ = c.Close()
			mu.Lock()
			open[port] = true
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return open
}

// Discover scans the port range for running tool servers and attaches every
// enabled descriptor whose http_port is listening. Connected servers are left
// alone. The result maps each configured port in range to whether it was
// listening. Discovery also counts as starting the registry in lazy mode.
func (r *Registry) Discover(ctx context.Context) (map[int]bool, error) {
	// The scan runs unlocked.
	open := scanPorts(ctx, r.portMin, r.portMax, r.probeTimeout)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, mcp.ErrClosed
	}
	r.started = true

	result := make(map[int]bool)
	var attach []*server
	for _, id := range r.order {
		s := r.servers[id]
		port := s.desc.HTTPPort
		if port < r.portMin || port > r.portMax {
			continue
		}
		result[port] = open[port]
		if !open[port] || !s.enabled() || s.conn.State() == mcp.StateReady {
			continue
		}
		attach = append(attach, s)
	}

	failed := make(map[string]error)
	r.launch(ctx, attach, failed)
	r.refreshLocked(ctx)
	r.log.Info("discovery finished",
		"range", strconv.Itoa(r.portMin)+"-"+strconv.Itoa(r.portMax),
		"open", len(open), "attached", len(attach)-len(failed), "failed", len(failed))
	return result, nil
}
