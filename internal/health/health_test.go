package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) Status { return Status{Healthy: true} })
	r.Register("object_store", func(context.Context) Status {
		return Status{Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	require.Len(t, statuses, 2)
	assert.False(t, healthy)
	assert.Equal(t, "database", statuses[0].Name)
	assert.Equal(t, "object_store", statuses[1].Name)
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestRegistryCheckerTimeout(t *testing.T) {
	r := NewRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Healthy: false, Detail: ctx.Err().Error()}
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, context.DeadlineExceeded.Error(), statuses[0].Detail)
	assert.Less(t, time.Since(start), time.Second)
}

type fakeWorker struct{ running atomic.Bool }

func (f *fakeWorker) Running() bool { return f.running.Load() }

func TestWorkerChecker(t *testing.T) {
	w := &fakeWorker{}
	check := Worker(w)
	assert.False(t, check(context.Background()).Healthy)
	w.running.Store(true)
	assert.True(t, check(context.Background()).Healthy)
}

func TestReadyHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	worker := &fakeWorker{}
	r := NewRegistry()
	r.Register("purge_worker", Worker(worker))

	router := gin.New()
	router.GET("/health/ready", r.ReadyHandler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	worker.running.Store(true)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status string   `json:"status"`
		Checks []Status `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "purge_worker", body.Checks[0].Name)
}
