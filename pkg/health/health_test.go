// pkg/health/health_test.go
package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPCheckerHealthyBelow500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	check := HTTPChecker("svc", srv.URL, time.Second)(context.Background())
	assert.True(t, check.Healthy(), "4xx still means the process is serving")
	assert.Equal(t, StatusUp, check.Status)
}

func TestHTTPCheckerServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	check := HTTPChecker("svc", srv.URL, time.Second)(context.Background())
	assert.False(t, check.Healthy())
	assert.Error(t, check.Error)
}

func TestHTTPCheckerUnreachable(t *testing.T) {
	check := HTTPChecker("svc", "http://127.0.0.1:1", 100*time.Millisecond)(context.Background())
	assert.False(t, check.Healthy())
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	check := TCPChecker("svc", ln.Addr().String(), time.Second)(context.Background())
	assert.True(t, check.Healthy())

	ln.Close()
	check = TCPChecker("svc", ln.Addr().String(), 100*time.Millisecond)(context.Background())
	assert.False(t, check.Healthy())
}

func TestCommandChecker(t *testing.T) {
	check := CommandChecker("svc", "true", nil, time.Second)(context.Background())
	assert.True(t, check.Healthy())

	check = CommandChecker("svc", "false", nil, time.Second)(context.Background())
	assert.False(t, check.Healthy())
}

func TestNopCheckerAlwaysPasses(t *testing.T) {
	check := NopChecker("svc")(context.Background())
	assert.True(t, check.Healthy())
	assert.Equal(t, "svc", check.Name)
}

func TestNewDispatch(t *testing.T) {
	for _, typ := range []string{"http", "tcp", "redis", "postgres", "command", "none", ""} {
		checker, err := New("svc", typ, "localhost:1", time.Second)
		require.NoError(t, err, typ)
		require.NotNil(t, checker, typ)
	}

	_, err := New("svc", "smoke-signal", "", time.Second)
	assert.Error(t, err)
}
