package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestHTTPReporter_PostsJSON(t *testing.T) {
	received := make(chan UsageReport, 1)
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var report UsageReport
		require.NoError(t, json.NewDecoder(r.Body).Decode(&report))
		received <- report
		w.WriteHeader(http.StatusAccepted)
	}))
	defer collector.Close()

	reporter := NewReporter(zerolog.Nop(), BillingConfig{CollectorURL: collector.URL})
	reporter.Report(context.Background(), UsageReport{
		APIKeyID:  "k-1",
		Tier:      TierPaid,
		IsPartial: true,
		Messages:  MessageCounts{Sent: 3, Received: 4},
		Timestamp: time.Now().UTC(),
	})

	select {
	case report := <-received:
		require.Equal(t, "k-1", report.APIKeyID)
		require.True(t, report.IsPartial)
		require.EqualValues(t, 3, report.Messages.Sent)
	case <-time.After(5 * time.Second):
		t.Fatal("collector never received the report")
	}
}

func TestHTTPReporter_FailuresAreSwallowed(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer collector.Close()

	reporter := NewReporter(zerolog.Nop(), BillingConfig{CollectorURL: collector.URL})

	// Must not panic or block; billing never interferes with traffic.
	reporter.Report(context.Background(), UsageReport{APIKeyID: "k-1"})

	collector.Close()
	reporter.Report(context.Background(), UsageReport{APIKeyID: "k-1"})
}

func TestNewReporter_NoCollectorDrops(t *testing.T) {
	reporter := NewReporter(zerolog.Nop(), BillingConfig{})
	reporter.Report(context.Background(), UsageReport{APIKeyID: "k-1"})
}

func TestTierLimiter_Ceilings(t *testing.T) {
	frozen := time.Now()

	free := newTierLimiter(TierFree)
	free.now = func() time.Time { return frozen }
	for i := 0; i < FreeTierLimit; i++ {
		require.True(t, free.Allow())
	}
	require.False(t, free.Allow())

	// One second later the bucket has refilled in full.
	free.now = func() time.Time { return frozen.Add(time.Second) }
	for i := 0; i < FreeTierLimit; i++ {
		require.True(t, free.Allow())
	}
	require.False(t, free.Allow())

	paid := newTierLimiter(TierPaid)
	paid.now = func() time.Time { return frozen }
	for i := 0; i < PaidTierLimit; i++ {
		require.True(t, paid.Allow())
	}
	require.False(t, paid.Allow())

	admin := newTierLimiter(TierAdmin)
	for i := 0; i < 10000; i++ {
		require.True(t, admin.Allow())
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.Validate(), "endpoints are required")

	cfg.Node.Endpoints = []string{"ws://node-1:1337"}
	require.NoError(t, cfg.Validate())

	cfg.Node.Endpoints = []string{"http://node-1:1337"}
	require.Error(t, cfg.Validate())
}
