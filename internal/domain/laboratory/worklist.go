package laboratory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/lab/pkg/pagination"
)

const worklistDateLayout = "2006-01-02"

var defaultWorklistStatuses = []ResultStatus{StatusPending, StatusCompleted, StatusRejected}

// WorklistFilter is the caller-facing worklist query.
type WorklistFilter struct {
	Statuses     []ResultStatus
	Search       string
	DepartmentID *uuid.UUID
	Date         string
	Page         pagination.Params
}

// WorklistItem is a worklist row with the reference range resolved for the
// row's patient.
type WorklistItem struct {
	*WorklistRow
	ReferenceMin *decimal.Decimal `json:"reference_min,omitempty"`
	ReferenceMax *decimal.Decimal `json:"reference_max,omitempty"`
	RangeSource  RangeSource      `json:"range_source"`
}

// WorklistOrder groups the worklist items of one order.
type WorklistOrder struct {
	OrderID      uuid.UUID      `json:"order_id"`
	OrderNumber  string         `json:"order_number"`
	RegisteredAt time.Time      `json:"registered_at"`
	Patient      Patient        `json:"patient"`
	HasRejected  bool           `json:"has_rejected"`
	Items        []WorklistItem `json:"items"`
}

// WorklistStats counts today's root result units per bucket.
type WorklistStats struct {
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Verified  int `json:"verified"`
	Rejected  int `json:"rejected"`
}

// GetWorklist returns one page of orders, rejected work first, each with its
// result units in panel and catalog order. The total counts orders.
func (s *Service) GetWorklist(ctx context.Context, actor Actor, f WorklistFilter) ([]WorklistOrder, int, error) {
	q := WorklistQuery{
		TenantID:     actor.TenantID,
		Statuses:     f.Statuses,
		Search:       strings.TrimSpace(f.Search),
		DepartmentID: f.DepartmentID,
	}
	if len(q.Statuses) == 0 {
		q.Statuses = defaultWorklistStatuses
	}
	for _, st := range q.Statuses {
		if !st.Valid() {
			return nil, 0, validationError(fmt.Sprintf("invalid status %q", st))
		}
	}

	if f.Date != "" {
		loc := s.tenantLocation(ctx, actor.TenantID)
		day, err := time.ParseInLocation(worklistDateLayout, f.Date, loc)
		if err != nil {
			return nil, 0, validationError(fmt.Sprintf("invalid date %q, expected YYYY-MM-DD", f.Date))
		}
		from, to := day.UTC(), day.AddDate(0, 0, 1).UTC()
		q.From, q.To = &from, &to
	}

	depts, err := s.worklist.UserDepartments(ctx, actor.TenantID, actor.UserID)
	if err != nil {
		return nil, 0, fmt.Errorf("load user departments: %w", err)
	}
	if len(depts) > 0 {
		q.DepartmentIDs = depts
	}

	rows, err := s.worklist.FindRows(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("find worklist rows: %w", err)
	}

	groups, err := s.groupWorklist(ctx, rows)
	if err != nil {
		return nil, 0, err
	}
	total := len(groups)

	start, end := f.Page.Window(total)
	if start == end {
		return []WorklistOrder{}, total, nil
	}
	return groups[start:end], total, nil
}

// groupWorklist buckets rows by order, resolves each row's reference range
// and applies the worklist ordering.
func (s *Service) groupWorklist(ctx context.Context, rows []*WorklistRow) ([]WorklistOrder, error) {
	var (
		groups []WorklistOrder
		index  = make(map[uuid.UUID]int)
	)
	testIDs := make([]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		testIDs = append(testIDs, r.Unit.TestID)
	}
	tests, err := s.catalog.GetTests(ctx, uniqueIDs(testIDs))
	if err != nil {
		return nil, fmt.Errorf("load tests: %w", err)
	}

	now := s.now()
	for _, r := range rows {
		i, ok := index[r.Unit.OrderID]
		if !ok {
			i = len(groups)
			index[r.Unit.OrderID] = i
			groups = append(groups, WorklistOrder{
				OrderID:      r.Unit.OrderID,
				OrderNumber:  r.OrderNumber,
				RegisteredAt: r.RegisteredAt,
				Patient:      r.Patient,
			})
		}
		item := WorklistItem{WorklistRow: r, RangeSource: RangeFromNone}
		if t, ok := tests[r.Unit.TestID]; ok && t.EntryType == EntryNumeric {
			rr := ResolveNumericRange(t, r.Patient.Sex, r.Patient.AgeYears(now))
			item.ReferenceMin, item.ReferenceMax, item.RangeSource = rr.Min, rr.Max, rr.Source
		}
		if r.Unit.Status == StatusRejected {
			groups[i].HasRejected = true
		}
		groups[i].Items = append(groups[i].Items, item)
	}

	for i := range groups {
		items := groups[i].Items
		sort.SliceStable(items, func(a, b int) bool { return worklistItemLess(items[a].WorklistRow, items[b].WorklistRow) })
	}
	sort.SliceStable(groups, func(a, b int) bool {
		ga, gb := groups[a], groups[b]
		if ga.HasRejected != gb.HasRejected {
			return ga.HasRejected
		}
		return ga.RegisteredAt.After(gb.RegisteredAt)
	})
	return groups, nil
}

// worklistItemLess orders by panel sort order, then catalog sort order, then
// test code. Rows outside a panel sort as panel position 0.
func worklistItemLess(a, b *WorklistRow) bool {
	pa, pb := 0, 0
	if a.PanelSortOrder != nil {
		pa = *a.PanelSortOrder
	}
	if b.PanelSortOrder != nil {
		pb = *b.PanelSortOrder
	}
	if pa != pb {
		return pa < pb
	}
	if a.TestSortOrder != b.TestSortOrder {
		return a.TestSortOrder < b.TestSortOrder
	}
	return a.TestCode < b.TestCode
}

// GetWorklistStats counts root result units of orders registered today in
// the tenant's time zone. Panel children are excluded so each panel counts once.
func (s *Service) GetWorklistStats(ctx context.Context, actor Actor) (*WorklistStats, error) {
	loc := s.tenantLocation(ctx, actor.TenantID)
	now := s.now().In(loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)

	counts, err := s.worklist.CountRootStatuses(ctx, actor.TenantID, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("count worklist statuses: %w", err)
	}
	return &WorklistStats{
		Pending:   counts[StatusPending] + counts[StatusInProgress],
		Completed: counts[StatusCompleted],
		Verified:  counts[StatusVerified],
		Rejected:  counts[StatusRejected],
	}, nil
}

// tenantLocation loads the tenant's configured zone. Unknown or unreadable
// zones fall back to UTC.
func (s *Service) tenantLocation(ctx context.Context, tenantID string) *time.Location {
	if s.zones == nil {
		return time.UTC
	}
	name, err := s.zones.TimeZone(ctx, tenantID)
	if err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("tenant time zone unavailable, using UTC")
		return time.UTC
	}
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).Str("time_zone", name).Msg("invalid tenant time zone, using UTC")
		return time.UTC
	}
	return loc
}
