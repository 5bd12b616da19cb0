package apihttp

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"meterbridge/internal/engine"
	"meterbridge/internal/observability/metrics"
	"meterbridge/internal/session"
	"meterbridge/internal/statement"
	"meterbridge/internal/tariff"
)

// StatusHandler serves the bridge's reconciliation status.
type StatusHandler struct {
	engine   *engine.Engine
	sessions *session.Manager
}

// NewStatusHandler constructs a StatusHandler.
func NewStatusHandler(eng *engine.Engine, sessions *session.Manager) *StatusHandler {
	return &StatusHandler{engine: eng, sessions: sessions}
}

type statusResponse struct {
	Connection        string             `json:"connection"`
	SessionState      string             `json:"session_state"`
	LastError         string             `json:"last_error,omitempty"`
	LastCycle         *cycleView         `json:"last_cycle,omitempty"`
	POD               string             `json:"pod"`
	Tariff            string             `json:"tariff"`
	LastProcessedDate string             `json:"last_processed_date,omitempty"`
	Totals            map[string]float64 `json:"totals_kwh"`
	InvoicedAmount    float64            `json:"invoiced_amount"`
	AverageCostPerKWh float64            `json:"average_cost_per_kwh"`
	UnpaidTotal       float64            `json:"unpaid_total"`
	LatestInvoice     *invoiceView       `json:"latest_invoice,omitempty"`
}

type cycleView struct {
	ID              string `json:"id"`
	StartedAt       string `json:"started_at"`
	FinishedAt      string `json:"finished_at"`
	State           string `json:"state"`
	FailedStep      string `json:"failed_step,omitempty"`
	Error           string `json:"error,omitempty"`
	Terminal        bool   `json:"reauthorization_required,omitempty"`
	DatesFolded     int    `json:"dates_folded"`
	InvoicesFolded  int    `json:"invoices_folded"`
	PointsPublished int    `json:"points_published"`
}

type invoiceView struct {
	Number    string  `json:"number"`
	IssueDate string  `json:"issue_date"`
	DueDate   string  `json:"due_date"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status"`
}

// ServeHTTP handles GET /api/v1/status.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.engine == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	snap := h.engine.Snapshot()
	resp := statusResponse{
		Connection: "ok",
		POD:        snap.POD,
		Tariff:     string(snap.Scheme),
		Totals: map[string]float64{
			"total": snap.Totals[tariff.BucketTotal],
			"f1":    snap.Totals[tariff.BucketF1],
			"f2":    snap.Totals[tariff.BucketF2],
			"f3":    snap.Totals[tariff.BucketF3],
		},
		InvoicedAmount:    snap.InvoicedAmount,
		AverageCostPerKWh: snap.AverageCostPerKWh,
		UnpaidTotal:       snap.UnpaidTotal,
	}
	if snap.HasWatermark {
		resp.LastProcessedDate = snap.LastProcessedDate.Format("2006-01-02")
	}
	if snap.LatestInvoice != nil {
		resp.LatestInvoice = &invoiceView{
			Number:    snap.LatestInvoice.Number,
			IssueDate: snap.LatestInvoice.IssueDate.Format("2006-01-02"),
			DueDate:   snap.LatestInvoice.DueDate.Format("2006-01-02"),
			Amount:    snap.LatestInvoice.Amount(),
			Status:    string(snap.LatestInvoice.Status()),
		}
	}
	if h.sessions != nil {
		resp.SessionState = string(h.sessions.State())
		if err := h.sessions.LastError(); err != nil {
			resp.LastError = err.Error()
		}
	}
	if result, ok := h.engine.LastResult(); ok {
		view := cycleView{
			ID:              result.ID,
			StartedAt:       result.StartedAt.Format(time.RFC3339),
			FinishedAt:      result.FinishedAt.Format(time.RFC3339),
			State:           string(result.State),
			FailedStep:      string(result.FailedStep),
			Terminal:        result.Terminal,
			DatesFolded:     result.DatesFolded,
			InvoicesFolded:  result.InvoicesFolded,
			PointsPublished: result.PointsPublished,
		}
		if result.Err != nil {
			view.Error = result.Err.Error()
			resp.Connection = "degraded"
			if result.Terminal {
				resp.Connection = "reauthorization_required"
			}
		}
		resp.LastCycle = &view
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// ImportHandler triggers a historical consumption import.
type ImportHandler struct {
	engine *engine.Engine
}

// NewImportHandler constructs an ImportHandler.
func NewImportHandler(eng *engine.Engine) *ImportHandler {
	return &ImportHandler{engine: eng}
}

type importRequest struct {
	Days int `json:"days"`
}

// ServeHTTP handles POST /api/v1/import.
func (h *ImportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.engine == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.engine.RunImport(r.Context(), req.Days)
	switch {
	case errors.Is(err, engine.ErrInvalidImportDays):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, engine.ErrCycleInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"days":             result.Days,
		"dates_folded":     result.DatesFolded,
		"skipped_dates":    result.SkippedDates,
		"points_published": result.PointsPublished,
	})
}

// StatementHandler exports the current statement as PDF or XLSX.
type StatementHandler struct {
	engine *engine.Engine
}

// NewStatementHandler constructs a StatementHandler.
func NewStatementHandler(eng *engine.Engine) *StatementHandler {
	return &StatementHandler{engine: eng}
}

// ServeHTTP handles GET /api/v1/statement?format=pdf|xlsx.
func (h *StatementHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.engine == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "pdf"
	}
	snap := h.engine.Snapshot()

	started := time.Now()
	switch format {
	case "pdf":
		payload, err := statement.BuildPDF(snap)
		if err != nil {
			metrics.ObserveStatementExport(format, metrics.ResultError, time.Since(started))
			http.Error(w, "statement export error", http.StatusInternalServerError)
			return
		}
		metrics.ObserveStatementExport(format, metrics.ResultSuccess, time.Since(started))
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="statement.pdf"`)
		_, _ = w.Write(payload)
	case "xlsx":
		payload, err := statement.BuildXLSX(snap)
		if err != nil {
			metrics.ObserveStatementExport(format, metrics.ResultError, time.Since(started))
			http.Error(w, "statement export error", http.StatusInternalServerError)
			return
		}
		metrics.ObserveStatementExport(format, metrics.ResultSuccess, time.Since(started))
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="statement.xlsx"`)
		_, _ = w.Write(payload)
	default:
		http.Error(w, "format must be pdf or xlsx", http.StatusBadRequest)
	}
}
