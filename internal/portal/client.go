package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	consumption "meterbridge/internal/consumption/domain"
	invoice "meterbridge/internal/invoice/domain"
	"meterbridge/internal/observability/metrics"
	"meterbridge/internal/session"
	"meterbridge/internal/tariff"
)

const (
	dailyConsumptionPath = "/DeeperConsumption/v1.0/ExtDailyConsumption"
	invoicesPath         = "/scsi/invoices/v1.0"

	granularityHourly = "H"
	measureActive     = "Ea"

	dateLayout        = "2006-01-02"
	italianDateLayout = "02/01/2006"
)

// invoiceLookback bounds the invoice query window.
const invoiceLookback = 5 * 365 * 24 * time.Hour

// CredentialSource supplies valid bearer tokens, refreshing as needed.
type CredentialSource interface {
	EnsureValid(ctx context.Context) (session.Credential, error)
	Invalidate()
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Client talks to the utility customer portal API. It acts as both the
// consumption fetcher and the invoice fetcher of the engine.
type Client struct {
	baseURL         string
	subscriptionKey string
	pod             string
	sessions        CredentialSource
	client          *http.Client
	clock           Clock
	logger          *log.Logger
}

// Option configures the client.
type Option func(*Client)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option { return func(client *Client) { client.clock = c } }

// NewClient constructs a portal client for one meter.
func NewClient(baseURL, subscriptionKey, pod string, sessions CredentialSource, logger *log.Logger, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("portal: empty base url")
	}
	if pod == "" {
		return nil, errors.New("portal: empty pod")
	}
	if sessions == nil {
		return nil, errors.New("portal: nil credential source")
	}
	if logger == nil {
		return nil, errors.New("portal: nil logger")
	}
	c := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		subscriptionKey: subscriptionKey,
		pod:             pod,
		sessions:        sessions,
		client:          &http.Client{Timeout: 10 * time.Second},
		clock:           SystemClock{},
		logger:          logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchDay returns the hourly readings of one day. A day the portal has
// not published yet comes back as consumption.ErrNotYetAvailable.
func (c *Client) FetchDay(ctx context.Context, date time.Time) ([]tariff.HourlyReading, error) {
	body := map[string]string{
		"DataInizio": date.Format(dateLayout),
		"DataFine":   date.Format(dateLayout),
		"PR":         c.pod,
		"Type":       granularityHourly,
		"Misura":     measureActive,
	}
	payload, err := c.do(ctx, http.MethodPost, dailyConsumptionPath, nil, body)
	if err != nil {
		metrics.IncPortalRequest("consumption", metrics.ResultError)
		return nil, err
	}
	metrics.IncPortalRequest("consumption", metrics.ResultOK)

	record, ok := pickDayRecord(payload, date.Format(dateLayout))
	if !ok {
		return nil, consumption.ErrNotYetAvailable
	}
	readings := hourlyReadings(record, date)
	if len(readings) == 0 {
		return nil, consumption.ErrNotYetAvailable
	}
	return readings, nil
}

// FetchInvoices returns the account's invoices that concern this meter.
func (c *Client) FetchInvoices(ctx context.Context) ([]invoice.Invoice, error) {
	now := c.clock.Now()
	query := url.Values{
		"apiversion":   {"v1.0"},
		"documentoDal": {now.Add(-invoiceLookback).Format(italianDateLayout)},
		"documentoAl":  {now.Format(italianDateLayout)},
	}
	payload, err := c.do(ctx, http.MethodGet, invoicesPath, query, nil)
	if err != nil {
		metrics.IncPortalRequest("invoices", metrics.ResultError)
		return nil, err
	}
	metrics.IncPortalRequest("invoices", metrics.ResultOK)

	var resp invoiceListResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, &TransportError{Op: "decode invoices", Err: err}
	}

	var invoices []invoice.Invoice
	for _, raw := range resp.ListaFatture {
		inv, ok := c.convertInvoice(raw)
		if !ok {
			continue
		}
		invoices = append(invoices, inv)
	}
	return invoices, nil
}

// do performs an authenticated request, refreshing the session and
// retrying once when the portal rejects the token.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	payload, status, err := c.doOnce(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		c.sessions.Invalidate()
		payload, status, err = c.doOnce(ctx, method, path, query, body)
		if err != nil {
			return nil, err
		}
	}
	switch {
	case status == http.StatusOK:
		return payload, nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, &session.AuthError{Terminal: false, Err: fmt.Errorf("portal: %s rejected with http %d", path, status)}
	default:
		return nil, &TransportError{Op: method + " " + path, Err: fmt.Errorf("http %d", status)}
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body any) ([]byte, int, error) {
	cred, err := c.sessions.EnsureValid(ctx)
	if err != nil {
		return nil, 0, err
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reqBody = bytes.NewReader(encoded)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	if c.subscriptionKey != "" {
		req.Header.Set("ocp-apim-subscription-key", c.subscriptionKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &TransportError{Op: method + " " + path, Err: err}
	}
	return payload, resp.StatusCode, nil
}

// pickDayRecord extracts the record for the wanted date from a response
// that is either a bare array with one item per day or a single object.
// When the records carry dates and none matches, the day is treated as not
// published rather than substituting another day's readings. The undated
// fallback only applies to responses without a date field at all.
func pickDayRecord(payload []byte, wantDate string) (map[string]any, bool) {
	var records []map[string]any
	if err := json.Unmarshal(payload, &records); err != nil {
		var single map[string]any
		if err := json.Unmarshal(payload, &single); err != nil || len(single) == 0 {
			return nil, false
		}
		records = []map[string]any{single}
	}
	if len(records) == 0 {
		return nil, false
	}
	dated := false
	for _, record := range records {
		date, _ := record["data"].(string)
		if date == "" {
			continue
		}
		dated = true
		if date == wantDate {
			return record, true
		}
	}
	if dated {
		return nil, false
	}
	return records[0], true
}

// hourlyReadings converts the portal's 1-based hourly fields into domain
// readings; field valore_h01 covers hour 0.
func hourlyReadings(record map[string]any, date time.Time) []tariff.HourlyReading {
	var readings []tariff.HourlyReading
	for hour := 1; hour <= 24; hour++ {
		value, ok := record[fmt.Sprintf("valore_h%02d", hour)]
		if !ok {
			continue
		}
		kwh, ok := toFloat(value)
		if !ok {
			continue
		}
		readings = append(readings, tariff.HourlyReading{
			Date: date,
			Hour: hour - 1,
			KWh:  kwh,
		})
	}
	return readings
}

func toFloat(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	case json.Number:
		parsed, err := value.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

type invoiceListResponse struct {
	ListaFatture []rawInvoice `json:"ListaFatture"`
}

type rawInvoice struct {
	Numero          string      `json:"Numero"`
	NumeroDocumento string      `json:"NumeroDocumento"`
	DataEmissione   string      `json:"DataEmissione"`
	DataDocumento   string      `json:"DataDocumento"`
	Data            string      `json:"Data"`
	DataScadenza    string      `json:"DataScadenza"`
	Importo         flexNumber  `json:"Importo"`
	ImportoPagato   flexNumber  `json:"ImportoPagato"`
	ImportoResiduo  flexNumber  `json:"ImportoResiduo"`
	StatoPagamento  string      `json:"StatoPagamento"`
	ListaForniture  []rawSupply `json:"ListaForniture"`
}

type rawSupply struct {
	CodiceFornitura         string      `json:"CodiceFornitura"`
	CodicePDRPOD            string      `json:"CodicePDR_POD"`
	ImportoFornitura        *flexNumber `json:"ImportoFornitura"`
	Importo                 *flexNumber `json:"Importo"`
	PeriodoCompetenzaInizio string      `json:"PeriodoCompetenzaInizio"`
	PeriodoCompetenzaFine   string      `json:"PeriodoCompetenzaFine"`
	DataInizio              string      `json:"DataInizio"`
	DataFine                string      `json:"DataFine"`
}

// convertInvoice maps one loose upstream record into the strict domain
// shape, filtering to this client's meter. Invoices listing other meters
// only are dropped; invoices without a supply breakdown are kept whole.
func (c *Client) convertInvoice(raw rawInvoice) (invoice.Invoice, bool) {
	number := raw.Numero
	if number == "" {
		number = raw.NumeroDocumento
	}
	if number == "" {
		return invoice.Invoice{}, false
	}
	inv := invoice.Invoice{
		Number:          number,
		IssueDate:       parseItalianDate(firstNonEmpty(raw.DataEmissione, raw.DataDocumento, raw.Data)),
		DueDate:         parseItalianDate(raw.DataScadenza),
		TotalAmount:     float64(raw.Importo),
		AmountPaid:      float64(raw.ImportoPagato),
		AmountRemaining: float64(raw.ImportoResiduo),
		RawStatus:       raw.StatoPagamento,
	}
	if len(raw.ListaForniture) == 0 {
		return inv, true
	}
	for _, supply := range raw.ListaForniture {
		if supply.CodicePDRPOD != c.pod && supply.CodiceFornitura != c.pod {
			continue
		}
		if amount := supply.ImportoFornitura; amount != nil {
			inv.PODAmount = float64(*amount)
			inv.HasPODAmount = true
		} else if amount := supply.Importo; amount != nil {
			inv.PODAmount = float64(*amount)
			inv.HasPODAmount = true
		}
		inv.PeriodStart = parseItalianDate(firstNonEmpty(supply.PeriodoCompetenzaInizio, supply.DataInizio))
		inv.PeriodEnd = parseItalianDate(firstNonEmpty(supply.PeriodoCompetenzaFine, supply.DataFine))
		return inv, true
	}
	return invoice.Invoice{}, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseItalianDate(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{italianDateLayout, dateLayout} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

// flexNumber tolerates amounts encoded as JSON numbers or strings.
type flexNumber float64

func (f *flexNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
		if s == "" {
			*f = 0
			return nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = flexNumber(parsed)
		return nil
	}
	var value float64
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	*f = flexNumber(value)
	return nil
}
