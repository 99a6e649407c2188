package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSentryReporterWithoutDSN(t *testing.T) {
	r, err := NewSentryReporter("", "test", "dev", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Nil(t, r)

	// nil reporters are safe to use
	r.Report(errors.New("ignored"))
	assert.True(t, r.Flush(0))
}

func TestNewSentryReporterRejectsBadDSN(t *testing.T) {
	_, err := NewSentryReporter("not a dsn", "test", "dev", slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestPushSendsToGateway(t *testing.T) {
	var hits atomic.Int32
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		path.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "alert_sync_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	require.NoError(t, Push(context.Background(), srv.URL, reg))
	assert.Equal(t, int32(1), hits.Load())
	assert.True(t, strings.Contains(path.Load().(string), "/job/"+PushJob), path.Load())
}

func TestPushWithoutURLIsNoop(t *testing.T) {
	assert.NoError(t, Push(context.Background(), "", nil))
}
