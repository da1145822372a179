// Package health provides health check predicates for supervised services.
// Every checker is side-effect-free and carries its own timeout: a check that
// does not return in time reports down, never hangs.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status represents the health status of a service.
type Status string

const (
	// StatusUp indicates the service is healthy.
	StatusUp Status = "UP"
	// StatusDown indicates the service is unhealthy.
	StatusDown Status = "DOWN"
	// StatusUnknown indicates the service's health is unknown.
	StatusUnknown Status = "UNKNOWN"
)

// Check represents the outcome of a single health check.
type Check struct {
	// Name is the name of the service being checked.
	Name string
	// Status is the health status of the service.
	Status Status
	// Message is an optional message providing more details about the health status.
	Message string
	// LastChecked is the time when the service was last checked.
	LastChecked time.Time
	// Error is an optional error that occurred during the health check.
	Error error
}

// Healthy reports whether the check passed.
func (c Check) Healthy() bool {
	return c.Status == StatusUp
}

// MarshalJSON implements the json.Marshaler interface.
func (c Check) MarshalJSON() ([]byte, error) {
	var errorStr string
	if c.Error != nil {
		errorStr = c.Error.Error()
	}

	return json.Marshal(struct {
		Name        string    `json:"name"`
		Status      Status    `json:"status"`
		Message     string    `json:"message,omitempty"`
		LastChecked time.Time `json:"last_checked"`
		Error       string    `json:"error,omitempty"`
	}{
		Name:        c.Name,
		Status:      c.Status,
		Message:     c.Message,
		LastChecked: c.LastChecked,
		Error:       errorStr,
	})
}

// Checker defines a function that performs a health check.
type Checker func(ctx context.Context) Check

// DefaultTimeout is used when a checker is built without an explicit timeout.
const DefaultTimeout = 5 * time.Second

// New builds a checker from a declarative spec. Supported types are
// http, tcp, redis, postgres, command, and none.
func New(name, typ, target string, timeout time.Duration) (Checker, error) {
	switch typ {
	case "http":
		return HTTPChecker(name, target, timeout), nil
	case "tcp":
		return TCPChecker(name, target, timeout), nil
	case "redis":
		return RedisChecker(name, target, timeout), nil
	case "postgres":
		return PostgresChecker(name, target, timeout), nil
	case "command":
		return CommandChecker(name, target, nil, timeout), nil
	case "", "none":
		return NopChecker(name), nil
	default:
		return nil, fmt.Errorf("unknown health check type %q for service %s", typ, name)
	}
}

// result wraps a check outcome with the predicate error that produced it.
func result(name string, err error, upMsg, downMsg string) Check {
	check := Check{
		Name:        name,
		Status:      StatusUp,
		Message:     upMsg,
		LastChecked: time.Now(),
	}
	if err != nil {
		check.Status = StatusDown
		check.Error = err
		check.Message = downMsg
	}
	return check
}

// HTTPChecker creates a health check that performs a GET request and treats
// any status below 500 as healthy.
func HTTPChecker(name, url string, timeout time.Duration) Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := &http.Client{Timeout: timeout}

	return func(ctx context.Context) Check {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return result(name, err, "", fmt.Sprintf("invalid health check request for %s", name))
		}

		resp, err := client.Do(req)
		if err != nil {
			return result(name, err, "", fmt.Sprintf("%s is unreachable at %s", name, url))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return result(name, err,
			fmt.Sprintf("%s responded %d", name, resp.StatusCode),
			fmt.Sprintf("%s returned server error at %s", name, url))
	}
}

// TCPChecker creates a health check that verifies a TCP connection can be
// established.
func TCPChecker(name, addr string, timeout time.Duration) Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return func(ctx context.Context) Check {
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
		}
		return result(name, err,
			fmt.Sprintf("%s accepting connections at %s", name, addr),
			fmt.Sprintf("%s is unreachable at %s", name, addr))
	}
}

// RedisChecker creates a health check that pings a Redis instance.
func RedisChecker(name, addr string, timeout time.Duration) Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: timeout,
		ReadTimeout: timeout,
	})

	return func(ctx context.Context) Check {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := client.Ping(ctx).Err()
		return result(name, err,
			fmt.Sprintf("redis at %s is healthy", addr),
			fmt.Sprintf("redis at %s is unhealthy", addr))
	}
}

// PostgresChecker creates a health check that pings a Postgres instance.
// The connection pool is established lazily on the first check so the
// predicate can exist before the database does.
func PostgresChecker(name, url string, timeout time.Duration) Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var (
		mu   sync.Mutex
		pool *pgxpool.Pool
	)

	return func(ctx context.Context) Check {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		mu.Lock()
		if pool == nil {
			p, err := pgxpool.New(ctx, url)
			if err != nil {
				mu.Unlock()
				return result(name, err, "", fmt.Sprintf("invalid postgres url for %s", name))
			}
			pool = p
		}
		p := pool
		mu.Unlock()

		err := p.Ping(ctx)
		return result(name, err,
			fmt.Sprintf("postgres for %s is healthy", name),
			fmt.Sprintf("postgres for %s is unhealthy", name))
	}
}

// CommandChecker creates a health check that runs a command and treats a
// zero exit code as healthy.
func CommandChecker(name, command string, args []string, timeout time.Duration) Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return func(ctx context.Context) Check {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := exec.CommandContext(ctx, command, args...).Run()
		return result(name, err,
			fmt.Sprintf("%s probe succeeded", name),
			fmt.Sprintf("%s probe failed", name))
	}
}

// NopChecker creates a health check that always passes, for services with no
// meaningful health predicate.
func NopChecker(name string) Checker {
	return func(ctx context.Context) Check {
		return Check{
			Name:        name,
			Status:      StatusUp,
			Message:     fmt.Sprintf("%s has no health check", name),
			LastChecked: time.Now(),
		}
	}
}
