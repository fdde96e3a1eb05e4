// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// DefaultCheckTimeout bounds a single checker run.
const DefaultCheckTimeout = 3 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently, each bounded by the
// registry timeout, and returns the aggregate plus per-subsystem results
// in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var g errgroup.Group
	for i, nc := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			st := nc.check(cctx)
			st.Name = nc.name
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// DB returns a checker that pings the database.
func DB(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Runner is satisfied by background workers that report liveness.
type Runner interface {
	Running() bool
}

// Worker returns a checker that reports whether a background worker loop
// is running.
func Worker(w Runner) Checker {
	return func(context.Context) Status {
		if !w.Running() {
			return Status{Healthy: false, Detail: "not running"}
		}
		return Status{Healthy: true}
	}
}

// ReadyHandler serves the aggregate result: 200 when every subsystem is
// healthy, 503 otherwise.
func (r *Registry) ReadyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		code := http.StatusOK
		status := "ready"
		if !healthy {
			code = http.StatusServiceUnavailable
			status = "not_ready"
		}
		c.JSON(code, gin.H{"status": status, "checks": statuses})
	}
}
