// Package health reports readiness of the bot's dependencies through the standard gRPC health service.
package health

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger checks database connectivity (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks that the eligibility policy still evaluates (e.g. *engine.OPAEvaluator).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatusSetter is satisfied by *health.Server from google.golang.org/grpc/health.
type StatusSetter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// Checker aggregates dependency probes. Nil probes are skipped.
type Checker struct {
	DB     Pinger
	Policy PolicyChecker
	// Gateway reports whether the Discord session is connected.
	Gateway func() error
}

// Check runs every configured probe and joins their failures.
func (c *Checker) Check(ctx context.Context) error {
	var errs []error
	if c.DB != nil {
		if err := c.DB.PingContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if c.Policy != nil {
		if err := c.Policy.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("policy: %w", err))
		}
	}
	if c.Gateway != nil {
		if err := c.Gateway(); err != nil {
			errs = append(errs, fmt.Errorf("gateway: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Watch probes every interval and publishes SERVING or NOT_SERVING for service until ctx is done.
// The first probe runs immediately.
func (c *Checker) Watch(ctx context.Context, srv StatusSetter, service string, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	last := healthpb.HealthCheckResponse_UNKNOWN
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err := c.Check(probeCtx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			if last != status {
				log.Printf("health: not serving: %v", err)
			}
		}
		if status != last {
			srv.SetServingStatus(service, status)
			last = status
		}
	}
	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
