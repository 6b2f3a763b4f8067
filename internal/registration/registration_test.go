// ============================================================================
// Registration Heartbeat Tests
// ============================================================================

package registration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatewayStub struct {
	mu          sync.Mutex
	registers   []Registration
	secrets     []string
	deregisters int
	failUntil   int // reject the first N registration attempts
	deregStatus int
}

func (g *gatewayStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()

		switch r.Method {
		case http.MethodPost:
			g.secrets = append(g.secrets, r.Header.Get("X-DPO-Register-Secret"))
			var reg Registration
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &reg))
			g.registers = append(g.registers, reg)
			if len(g.registers) <= g.failUntil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			g.deregisters++
			status := g.deregStatus
			if status == 0 {
				status = http.StatusOK
			}
			w.WriteHeader(status)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func (g *gatewayStub) registerCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.registers)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestHeartbeatRegistersWithSecretAndPayload(t *testing.T) {
	stub := &gatewayStub{}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	hb := New(srv.URL, "reg-secret", "http://dpo.internal:8000", "1.4.0", 21600, quietLogger())
	hb.Start()
	defer hb.Stop(context.Background())

	require.Eventually(t, func() bool { return stub.registerCount() >= 1 }, 3*time.Second, 10*time.Millisecond)

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Equal(t, "reg-secret", stub.secrets[0])
	assert.Equal(t, Registration{
		BaseURL:    "http://dpo.internal:8000",
		Version:    "1.4.0",
		TTLSeconds: 21600,
	}, stub.registers[0])
}

func TestHeartbeatStopDeregisters(t *testing.T) {
	stub := &gatewayStub{}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	hb := New(srv.URL, "reg-secret", "http://dpo.internal:8000", "1.4.0", 21600, quietLogger())
	hb.Start()
	require.Eventually(t, func() bool { return stub.registerCount() >= 1 }, 3*time.Second, 10*time.Millisecond)

	hb.Stop(context.Background())
	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Equal(t, 1, stub.deregisters)
}

func TestHeartbeatDeregisterTreats404AsSuccess(t *testing.T) {
	stub := &gatewayStub{deregStatus: http.StatusNotFound}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	hb := New(srv.URL, "reg-secret", "http://dpo.internal:8000", "1.4.0", 21600, quietLogger())
	err := hb.deregister(context.Background())
	assert.NoError(t, err)
}

func TestRegisterReportsGatewayRejection(t *testing.T) {
	stub := &gatewayStub{failUntil: 1}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	hb := New(srv.URL, "reg-secret", "http://dpo.internal:8000", "1.4.0", 21600, quietLogger())
	err := hb.register()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
