package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/opsrange/scopeguard/internal/chread"
	"go.uber.org/zap"
)

// handleListEvents returns paginated decision events from ClickHouse,
// filtered to the authenticated tenant.
func (d *Dependencies) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "event storage not configured"})
		return
	}
	tenant := tenantFromContext(r.Context())
	q := r.URL.Query()

	params := chread.ListEventsParams{
		TenantID: tenant,
		Page:     1,
		PageSize: 50,
	}
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			params.Page = n
		}
	}
	if v := q.Get("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			params.PageSize = n
		}
	}
	if v := q.Get("authorized"); v != "" {
		b := v == "true" || v == "1"
		params.Authorized = &b
	}
	if v := q.Get("operation"); v != "" {
		params.Operation = &v
	}
	if v := q.Get("environment"); v != "" {
		params.Environment = &v
	}
	if v := q.Get("violation_type"); v != "" {
		params.ViolationType = &v
	}
	if v := q.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = &t
		}
	}
	if v := q.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.EndTime = &t
		}
	}

	rows, total, err := d.Reader.ListEvents(r.Context(), params)
	if err != nil {
		d.Logger.Error("event list failed", zap.String("tenant_id", tenant), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "failed to query events"})
		return
	}

	resp := EventListResp{
		Events:   make([]EventResp, 0, len(rows)),
		Total:    total,
		Page:     params.Page,
		PageSize: params.PageSize,
	}
	for i := range rows {
		resp.Events = append(resp.Events, eventResp(&rows[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetEvent returns a single decision event by request ID.
func (d *Dependencies) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "event storage not configured"})
		return
	}
	tenant := tenantFromContext(r.Context())
	requestID := r.PathValue("request_id")

	row, err := d.Reader.GetEvent(r.Context(), tenant, requestID)
	if err != nil {
		d.Logger.Error("event lookup failed",
			zap.String("tenant_id", tenant), zap.String("request_id", requestID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "failed to query event"})
		return
	}
	if row == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "event not found"})
		return
	}
	writeJSON(w, http.StatusOK, eventResp(row))
}

// handleGetAnalytics returns aggregate decision analytics for the tenant.
func (d *Dependencies) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "event storage not configured"})
		return
	}
	tenant := tenantFromContext(r.Context())

	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 90 {
			days = n
		}
	}

	result, err := d.Reader.GetAnalytics(r.Context(), tenant, days)
	if err != nil {
		d.Logger.Error("analytics query failed", zap.String("tenant_id", tenant), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "failed to compute analytics"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func eventResp(row *chread.EventRow) EventResp {
	e := EventResp{
		RequestID:         row.RequestID,
		Timestamp:         row.Timestamp,
		AgentID:           row.AgentID,
		TaskID:            row.TaskID,
		Operation:         row.Operation,
		Target:            row.Target,
		Environment:       row.Environment,
		Authorized:        row.Authorized == 1,
		Risky:             row.Risky == 1,
		Severity:          row.Severity,
		EmergencyOverride: row.EmergencyOverride == 1,
		LatencyMs:         row.LatencyMs,
	}
	if row.ViolationType != "" {
		v := row.ViolationType
		e.ViolationType = &v
	}
	if row.Message != "" {
		m := row.Message
		e.Message = &m
	}
	return e
}
