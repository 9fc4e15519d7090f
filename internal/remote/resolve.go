package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jeffypooo/fleetmon/internal/metrics"
)

// Resolver finds a display name for a machine address: reverse DNS first,
// then the machine's own hostname over its connection.
type Resolver struct {
	LookupAddr func(ctx context.Context, addr string) ([]string, error)
	Timeout    time.Duration
}

func NewResolver(timeout time.Duration) *Resolver {
	return &Resolver{
		LookupAddr: net.DefaultResolver.LookupAddr,
		Timeout:    timeout,
	}
}

func (r *Resolver) Resolve(ctx context.Context, addr string, runner metrics.CommandRunner) (string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	host := hostOnly(addr)
	names, dnsErr := r.LookupAddr(ctx, host)
	if dnsErr == nil {
		for _, n := range names {
			if n = strings.TrimSuffix(n, "."); n != "" {
				return n, nil
			}
		}
		dnsErr = errors.New("no PTR records")
	}

	if runner == nil {
		return "", fmt.Errorf("resolve %s: %w", host, dnsErr)
	}
	out, runErr := runner.Run(ctx, "hostname")
	if runErr == nil {
		if name := strings.TrimSpace(string(out)); name != "" {
			return name, nil
		}
		runErr = errors.New("empty hostname")
	}
	return "", fmt.Errorf("resolve %s: %w", host, errors.Join(dnsErr, runErr))
}
