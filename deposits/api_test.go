package deposits

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (*API, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	allocator := NewAllocator(zerolog.Nop(), store, []byte("test-master-key"), "mainnet")
	return NewAPI(zerolog.Nop(), store, allocator, 24*time.Hour), store
}

func postPayment(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/v1/payments", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestAPI_CreatePayment(t *testing.T) {
	api, store := newTestAPI(t)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	resp := postPayment(t, srv, `{"userId":"user-1","amountLovelace":5000000,"credits":1200}`)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created paymentResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ID)
	require.Equal(t, "user-1", created.UserID)
	require.Equal(t, StatusPending, created.Status)
	require.True(t, strings.HasPrefix(created.Address, "addr1v"))
	require.Equal(t, int64(5000000), created.AmountLovelace)
	require.True(t, created.ExpiresAt.After(created.CreatedAt))

	stored, err := store.GetPayment(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, created.Address, stored.Address)
}

func TestAPI_GetPayment(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	resp := postPayment(t, srv, `{"userId":"user-1","amountLovelace":5000000,"credits":1200}`)
	var created paymentResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	_ = resp.Body.Close()

	got, err := http.Get(srv.URL + "/v1/payments/" + created.ID)
	require.NoError(t, err)
	defer func() { _ = got.Body.Close() }()
	require.Equal(t, http.StatusOK, got.StatusCode)

	var fetched paymentResponse
	require.NoError(t, json.NewDecoder(got.Body).Decode(&fetched))
	require.Equal(t, created.ID, fetched.ID)
	require.Equal(t, created.Address, fetched.Address)
}

func TestAPI_GetUnknownPaymentIs404(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/payments/pay_doesnotexist")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_RejectsBadRequests(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"missing user", `{"amountLovelace":1,"credits":1}`},
		{"zero amount", `{"userId":"u","amountLovelace":0,"credits":1}`},
		{"negative credits", `{"userId":"u","amountLovelace":1,"credits":-5}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postPayment(t, srv, tc.body)
			defer func() { _ = resp.Body.Close() }()
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/payments", bytes.NewReader(nil))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
