package metrics

import (
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/humandao-org/EnergyContracts/core/escrow"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestObserveEvents(t *testing.T) {
	m := New()
	bus := escrow.NewBus(0)
	bus.Subscribe(m.Observe)
	bus.Publish(
		escrow.Event{Type: escrow.EventDepositCreated, Amount: big.NewInt(4000)},
		escrow.Event{Type: escrow.EventClaimed, Amount: big.NewInt(1000)},
		escrow.Event{Type: escrow.EventClaimed, Amount: big.NewInt(1000)},
		escrow.Event{Type: escrow.EventRefundFlagChanged, Amount: big.NewInt(1)},
		escrow.Event{Type: escrow.EventRecipientAdded},
	)

	out := scrape(t, m)
	assert.Contains(t, out, `escrow_events_total{type="claimed"} 2`)
	assert.Contains(t, out, `escrow_events_total{type="recipient_added"} 1`)
	assert.Contains(t, out, `escrow_credits_moved_total{type="claimed"} 2000`)
	assert.Contains(t, out, `escrow_credits_moved_total{type="deposit_created"} 4000`)
	assert.NotContains(t, out, `escrow_credits_moved_total{type="refund_flag_changed"}`)
}

func TestObserveRequest(t *testing.T) {
	m := New()
	m.ObserveRequest(http.MethodGet, "/api/deposits/{task}", http.StatusOK, 20*time.Millisecond)
	m.ObserveRequest(http.MethodGet, "", http.StatusNotFound, time.Millisecond)

	out := scrape(t, m)
	assert.Contains(t, out, `escrow_http_requests_total{method="GET",route="/api/deposits/{task}",status="200"} 1`)
	assert.Contains(t, out, `escrow_http_requests_total{method="GET",route="unmatched",status="404"} 1`)
	assert.Contains(t, out, `escrow_http_request_duration_seconds_count{method="GET",route="/api/deposits/{task}"} 1`)
}
