package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	consumption "meterbridge/internal/consumption/domain"
	"meterbridge/internal/session"
)

type stubCredentials struct {
	tokens      []string
	next        int
	invalidated int
}

func (s *stubCredentials) EnsureValid(_ context.Context) (session.Credential, error) {
	token := "token"
	if s.next < len(s.tokens) {
		token = s.tokens[s.next]
		s.next++
	}
	return session.Credential{AccessToken: token, Expiry: time.Now().Add(time.Hour)}, nil
}

func (s *stubCredentials) Invalidate() { s.invalidated++ }

func newTestClient(t *testing.T, serverURL string, creds CredentialSource) *Client {
	t.Helper()
	client, err := NewClient(serverURL, "sub-key", "IT001E123", creds, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func dayPayload(date string, hours int, kwh float64) map[string]any {
	record := map[string]any{"data": date}
	for h := 1; h <= hours; h++ {
		record[fmt.Sprintf("valore_h%02d", h)] = kwh
	}
	return record
}

func TestFetchDayParsesHourlyFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != dailyConsumptionPath {
			t.Errorf("path: got %s", r.URL.Path)
		}
		if got := r.Header.Get("ocp-apim-subscription-key"); got != "sub-key" {
			t.Errorf("subscription key: got %q", got)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["PR"] != "IT001E123" || body["Type"] != "H" || body["Misura"] != "Ea" {
			t.Errorf("request body: %v", body)
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{dayPayload("2024-06-10", 24, 1.5)})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &stubCredentials{})
	readings, err := client.FetchDay(context.Background(), time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("fetch day: %v", err)
	}
	if len(readings) != 24 {
		t.Fatalf("readings: got %d, want 24", len(readings))
	}
	// valore_h01 covers hour 0.
	if readings[0].Hour != 0 || readings[0].KWh != 1.5 {
		t.Fatalf("first reading: %+v", readings[0])
	}
	if readings[23].Hour != 23 {
		t.Fatalf("last reading hour: got %d", readings[23].Hour)
	}
}

func TestFetchDayStringValues(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		record := map[string]any{"data": "2024-06-10", "valore_h01": "0.75"}
		_ = json.NewEncoder(w).Encode([]map[string]any{record})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &stubCredentials{})
	readings, err := client.FetchDay(context.Background(), time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("fetch day: %v", err)
	}
	if len(readings) != 1 || readings[0].KWh != 0.75 {
		t.Fatalf("readings: %+v", readings)
	}
}

func TestFetchDayMismatchedDateNotYetAvailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Only an older day is published; the requested one must not
		// inherit its readings.
		_ = json.NewEncoder(w).Encode([]map[string]any{dayPayload("2024-06-09", 24, 1)})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &stubCredentials{})
	_, err := client.FetchDay(context.Background(), time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, consumption.ErrNotYetAvailable) {
		t.Fatalf("expected ErrNotYetAvailable, got %v", err)
	}
}

func TestFetchDayUndatedRecordAccepted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"valore_h01": 1.25})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &stubCredentials{})
	readings, err := client.FetchDay(context.Background(), time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("fetch day: %v", err)
	}
	if len(readings) != 1 || readings[0].KWh != 1.25 {
		t.Fatalf("readings: %+v", readings)
	}
}

func TestFetchDayNotYetAvailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &stubCredentials{})
	_, err := client.FetchDay(context.Background(), time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, consumption.ErrNotYetAvailable) {
		t.Fatalf("expected ErrNotYetAvailable, got %v", err)
	}
}

func TestFetchDayEmptyRecordNotYetAvailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{{"data": "2024-06-10"}})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &stubCredentials{})
	_, err := client.FetchDay(context.Background(), time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, consumption.ErrNotYetAvailable) {
		t.Fatalf("expected ErrNotYetAvailable, got %v", err)
	}
}

func TestDoRetriesOnceAfterUnauthorized(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get("Authorization") == "Bearer stale" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{dayPayload("2024-06-10", 1, 1)})
	}))
	defer server.Close()

	creds := &stubCredentials{tokens: []string{"stale", "fresh"}}
	client := newTestClient(t, server.URL, creds)
	readings, err := client.FetchDay(context.Background(), time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("fetch day: %v", err)
	}
	if len(readings) != 1 {
		t.Fatalf("readings: got %d", len(readings))
	}
	if creds.invalidated != 1 {
		t.Fatalf("invalidate calls: got %d, want 1", creds.invalidated)
	}
	if requests != 2 {
		t.Fatalf("requests: got %d, want 2", requests)
	}
}

func TestDoSecondUnauthorizedIsAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &stubCredentials{})
	_, err := client.FetchDay(context.Background(), time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC))
	var authErr *session.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Terminal {
		t.Fatalf("portal rejection must stay transient")
	}
}

func TestDoServerErrorIsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &stubCredentials{})
	_, err := client.FetchDay(context.Background(), time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC))
	var transport *TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestFetchInvoicesMapsAndFiltersByPOD(t *testing.T) {
	payload := map[string]any{
		"ListaFatture": []map[string]any{
			{
				"Numero":         "INV-1",
				"DataEmissione":  "10/06/2024",
				"DataScadenza":   "30/06/2024",
				"Importo":        120.5,
				"ImportoPagato":  "60,25",
				"ImportoResiduo": 60.25,
				"StatoPagamento": "PARZIALMENTE PAGATO",
				"ListaForniture": []map[string]any{
					{"CodicePDR_POD": "IT999X999", "ImportoFornitura": 80},
					{"CodicePDR_POD": "IT001E123", "ImportoFornitura": 40.5},
				},
			},
			{
				// Lists only another meter, must be dropped.
				"Numero":        "INV-2",
				"DataEmissione": "11/06/2024",
				"Importo":       50,
				"ListaForniture": []map[string]any{
					{"CodicePDR_POD": "IT999X999", "ImportoFornitura": 50},
				},
			},
			{
				// No supply breakdown, kept whole.
				"NumeroDocumento": "INV-3",
				"DataDocumento":   "12/06/2024",
				"Importo":         30,
			},
		},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != invoicesPath {
			t.Errorf("path: got %s", r.URL.Path)
		}
		if r.URL.Query().Get("apiversion") != "v1.0" {
			t.Errorf("query: %v", r.URL.Query())
		}
		_ = json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &stubCredentials{})
	invoices, err := client.FetchInvoices(context.Background())
	if err != nil {
		t.Fatalf("fetch invoices: %v", err)
	}
	if len(invoices) != 2 {
		t.Fatalf("invoices: got %d, want 2", len(invoices))
	}

	first := invoices[0]
	if first.Number != "INV-1" {
		t.Fatalf("number: got %s", first.Number)
	}
	if !first.IssueDate.Equal(time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("issue date: got %v", first.IssueDate)
	}
	if !first.HasPODAmount || first.PODAmount != 40.5 {
		t.Fatalf("pod amount: got %v has=%v", first.PODAmount, first.HasPODAmount)
	}
	if first.Amount() != 40.5 {
		t.Fatalf("amount: got %g, want pod share", first.Amount())
	}
	if first.AmountPaid != 60.25 {
		t.Fatalf("amount paid: got %g", first.AmountPaid)
	}

	second := invoices[1]
	if second.Number != "INV-3" || second.HasPODAmount {
		t.Fatalf("whole invoice: %+v", second)
	}
	if second.Amount() != 30 {
		t.Fatalf("whole invoice amount: got %g", second.Amount())
	}
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestFetchInvoicesQueryWindowFromClock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("documentoAl"); got != "14/06/2024" {
			t.Errorf("documentoAl: got %s", got)
		}
		if got := r.URL.Query().Get("documentoDal"); got == "" {
			t.Errorf("documentoDal missing")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ListaFatture": []map[string]any{}})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "", "IT001E123", &stubCredentials{}, log.New(io.Discard, "", 0),
		WithClock(fixedClock{now: time.Date(2024, 6, 14, 12, 0, 0, 0, time.UTC)}))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.FetchInvoices(context.Background()); err != nil {
		t.Fatalf("fetch invoices: %v", err)
	}
}

func TestAuthClientRefresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "refresh-0" {
			t.Errorf("form: %v", r.Form)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "tok-1",
			"refresh_token": "refresh-1",
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	auth, err := NewAuthClient(server.URL, "client-id", log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new auth client: %v", err)
	}
	tok, err := auth.Refresh(context.Background(), "refresh-0")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if tok.AccessToken != "tok-1" || tok.RefreshToken != "refresh-1" {
		t.Fatalf("token: %+v", tok)
	}
	if tok.ExpiresIn != time.Hour {
		t.Fatalf("expires in: got %s", tok.ExpiresIn)
	}
}

func TestAuthClientRejectedGrant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer server.Close()

	auth, err := NewAuthClient(server.URL, "client-id", log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new auth client: %v", err)
	}
	_, err = auth.Refresh(context.Background(), "dead")
	if !errors.Is(err, session.ErrGrantRejected) {
		t.Fatalf("expected ErrGrantRejected, got %v", err)
	}
}

func TestAuthClientServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	auth, err := NewAuthClient(server.URL, "client-id", log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new auth client: %v", err)
	}
	_, err = auth.Refresh(context.Background(), "refresh-0")
	if errors.Is(err, session.ErrGrantRejected) {
		t.Fatalf("transient failure must not be a rejected grant: %v", err)
	}
	var transport *TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}
