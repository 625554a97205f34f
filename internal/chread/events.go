package chread

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to the ClickHouse authorization_events table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// EventRow represents a single row from the authorization_events table.
type EventRow struct {
	RequestID         string
	TenantID          string
	Timestamp         time.Time
	AgentID           string
	TaskID            string
	Operation         string
	Target            string
	Environment       string
	Authorized        uint8
	Risky             uint8
	ViolationType     string
	Message           string
	Severity          string
	EngagementID      string
	TicketID          string
	EmergencyOverride uint8
	LatencyMs         float32
	Source            string
}

// ListEventsParams holds filters and pagination for event listing.
type ListEventsParams struct {
	TenantID      string
	Authorized    *bool
	Operation     *string
	Environment   *string
	ViolationType *string
	StartTime     *time.Time
	EndTime       *time.Time
	Page          int
	PageSize      int
}

const eventColumns = "request_id, tenant_id, timestamp, agent_id, task_id, " +
	"operation, target, environment, " +
	"authorized, risky, violation_type, message, severity, " +
	"engagement_id, ticket_id, emergency_override, latency_ms, source"

// ListEvents returns paginated, filtered decision events and the total count.
func (r *Reader) ListEvents(ctx context.Context, params ListEventsParams) ([]EventRow, int, error) {
	conditions := []string{"tenant_id = @tenant_id"}
	args := []any{
		clickhouse.Named("tenant_id", params.TenantID),
	}

	if params.Authorized != nil {
		var v uint8
		if *params.Authorized {
			v = 1
		}
		conditions = append(conditions, "authorized = @authorized")
		args = append(args, clickhouse.Named("authorized", v))
	}
	if params.Operation != nil {
		conditions = append(conditions, "operation = @operation")
		args = append(args, clickhouse.Named("operation", *params.Operation))
	}
	if params.Environment != nil {
		conditions = append(conditions, "environment = @environment")
		args = append(args, clickhouse.Named("environment", *params.Environment))
	}
	if params.ViolationType != nil {
		conditions = append(conditions, "violation_type = @violation_type")
		args = append(args, clickhouse.Named("violation_type", *params.ViolationType))
	}
	if params.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *params.StartTime))
	}
	if params.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *params.EndTime))
	}

	where := strings.Join(conditions, " AND ")
	offset := (params.Page - 1) * params.PageSize

	// Count query
	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM authorization_events WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListEvents count: %w", err)
	}

	// Data query
	dataQuery := fmt.Sprintf(
		"SELECT "+eventColumns+" FROM authorization_events WHERE %s "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit OFFSET @offset",
		where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := scanEvent(rows.Scan, &e); err != nil {
			return nil, 0, fmt.Errorf("ListEvents scan: %w", err)
		}
		events = append(events, e)
	}

	return events, int(total), rows.Err()
}

// GetEvent returns a single event by tenant ID and request ID, or nil if not found.
func (r *Reader) GetEvent(ctx context.Context, tenantID, requestID string) (*EventRow, error) {
	row := r.conn.QueryRow(ctx,
		"SELECT "+eventColumns+" FROM authorization_events "+
			"WHERE tenant_id = @tenant_id AND request_id = @request_id",
		clickhouse.Named("tenant_id", tenantID),
		clickhouse.Named("request_id", requestID),
	)

	var e EventRow
	if err := scanEvent(row.Scan, &e); err != nil {
		// ClickHouse doesn't return sql.ErrNoRows, so check for empty result
		return nil, fmt.Errorf("GetEvent: %w", err)
	}
	if e.RequestID == "" {
		return nil, nil
	}
	return &e, nil
}

func scanEvent(scan func(...any) error, e *EventRow) error {
	return scan(
		&e.RequestID, &e.TenantID, &e.Timestamp, &e.AgentID, &e.TaskID,
		&e.Operation, &e.Target, &e.Environment,
		&e.Authorized, &e.Risky, &e.ViolationType, &e.Message, &e.Severity,
		&e.EngagementID, &e.TicketID, &e.EmergencyOverride, &e.LatencyMs, &e.Source,
	)
}

// SummaryStats holds aggregate counts.
type SummaryStats struct {
	TotalDecisions int `json:"total_decisions"`
	Denials        int `json:"denials"`
	Allows         int `json:"allows"`
	RiskyAllows    int `json:"risky_allows"`
	Overrides      int `json:"overrides"`
}

// TimeSeriesBucket holds an hourly count.
type TimeSeriesBucket struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// ViolationCount holds a violation type and its count.
type ViolationCount struct {
	ViolationType string `json:"violation_type"`
	Count         int    `json:"count"`
}

// OperationCount holds an operation and its count.
type OperationCount struct {
	Operation string `json:"operation"`
	Count     int    `json:"count"`
}

// LatencyStats holds latency percentiles.
type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// AnalyticsResult holds all analytics aggregations.
type AnalyticsResult struct {
	Summary             SummaryStats       `json:"summary"`
	DenialsOverTime     []TimeSeriesBucket `json:"denials_over_time"`
	TopViolationTypes   []ViolationCount   `json:"top_violation_types"`
	TopDeniedOperations []OperationCount   `json:"top_denied_operations"`
	LatencyPercentiles  LatencyStats       `json:"latency_percentiles"`
}

// GetAnalytics returns aggregated analytics for a tenant over the given number of days.
func (r *Reader) GetAnalytics(ctx context.Context, tenantID string, days int) (*AnalyticsResult, error) {
	now := time.Now().UTC()
	rangeStart := now.Add(-time.Duration(days) * 24 * time.Hour)
	dayStart := now.Add(-24 * time.Hour)

	baseArgs := []any{
		clickhouse.Named("tenant_id", tenantID),
		clickhouse.Named("range_start", rangeStart),
	}

	result := &AnalyticsResult{}

	// Summary counts
	var total, denials, allows, riskyAllows, overrides uint64
	err := r.conn.QueryRow(ctx,
		"SELECT count() as total, "+
			"countIf(authorized = 0) as denials, "+
			"countIf(authorized = 1) as allows, "+
			"countIf(authorized = 1 AND risky = 1) as risky_allows, "+
			"countIf(emergency_override = 1) as overrides "+
			"FROM authorization_events "+
			"WHERE tenant_id = @tenant_id AND timestamp >= @range_start",
		baseArgs...,
	).Scan(&total, &denials, &allows, &riskyAllows, &overrides)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics summary: %w", err)
	}
	result.Summary = SummaryStats{
		TotalDecisions: int(total),
		Denials:        int(denials),
		Allows:         int(allows),
		RiskyAllows:    int(riskyAllows),
		Overrides:      int(overrides),
	}

	// Denials over time (hourly)
	dotRows, err := r.conn.Query(ctx,
		"SELECT toStartOfHour(timestamp) as hour, count() as count "+
			"FROM authorization_events "+
			"WHERE tenant_id = @tenant_id AND authorized = 0 "+
			"AND timestamp >= @range_start "+
			"GROUP BY hour ORDER BY hour",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics denials_over_time: %w", err)
	}
	defer func() { _ = dotRows.Close() }()
	for dotRows.Next() {
		var hour time.Time
		var count uint64
		if err := dotRows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics denials_over_time scan: %w", err)
		}
		result.DenialsOverTime = append(result.DenialsOverTime, TimeSeriesBucket{
			Hour:  hour.Format(time.RFC3339),
			Count: int(count),
		})
	}

	// Top violation types
	vioRows, err := r.conn.Query(ctx,
		"SELECT violation_type, count() as count "+
			"FROM authorization_events "+
			"WHERE tenant_id = @tenant_id AND authorized = 0 "+
			"AND timestamp >= @range_start "+
			"GROUP BY violation_type ORDER BY count DESC LIMIT 10",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics top_violation_types: %w", err)
	}
	defer func() { _ = vioRows.Close() }()
	for vioRows.Next() {
		var vt string
		var count uint64
		if err := vioRows.Scan(&vt, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics top_violation_types scan: %w", err)
		}
		result.TopViolationTypes = append(result.TopViolationTypes, ViolationCount{
			ViolationType: vt, Count: int(count),
		})
	}

	// Top denied operations
	opRows, err := r.conn.Query(ctx,
		"SELECT operation, count() as count "+
			"FROM authorization_events "+
			"WHERE tenant_id = @tenant_id AND authorized = 0 "+
			"AND operation != '' AND timestamp >= @range_start "+
			"GROUP BY operation ORDER BY count DESC LIMIT 10",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics top_denied_operations: %w", err)
	}
	defer func() { _ = opRows.Close() }()
	for opRows.Next() {
		var op string
		var count uint64
		if err := opRows.Scan(&op, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics top_denied_operations scan: %w", err)
		}
		result.TopDeniedOperations = append(result.TopDeniedOperations, OperationCount{
			Operation: op, Count: int(count),
		})
	}

	// Latency percentiles (last 24h)
	var p50, p95, p99 float64
	err = r.conn.QueryRow(ctx,
		"SELECT quantile(0.5)(latency_ms) as p50, "+
			"quantile(0.95)(latency_ms) as p95, "+
			"quantile(0.99)(latency_ms) as p99 "+
			"FROM authorization_events "+
			"WHERE tenant_id = @tenant_id AND timestamp >= @day_start",
		clickhouse.Named("tenant_id", tenantID),
		clickhouse.Named("day_start", dayStart),
	).Scan(&p50, &p95, &p99)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics latency: %w", err)
	}
	result.LatencyPercentiles = LatencyStats{
		P50: safeFloat(p50), P95: safeFloat(p95), P99: safeFloat(p99),
	}

	// Ensure slices are non-nil for JSON serialization
	if result.DenialsOverTime == nil {
		result.DenialsOverTime = []TimeSeriesBucket{}
	}
	if result.TopViolationTypes == nil {
		result.TopViolationTypes = []ViolationCount{}
	}
	if result.TopDeniedOperations == nil {
		result.TopDeniedOperations = []OperationCount{}
	}

	return result, nil
}

// safeFloat replaces NaN/Inf with 0.0.
// ClickHouse returns NaN for quantile() on empty result sets.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}
