package laboratory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/lab/internal/platform/audit"
)

// -- Mock Repositories --

type mockUnitRepo struct {
	mu        sync.Mutex
	units     map[uuid.UUID]*ResultUnit
	order     []uuid.UUID
	updates   int
	batches   int
	casCalls  int
	beforeCAS func(u *ResultUnit)
	updateErr error
}

func newMockUnitRepo() *mockUnitRepo {
	return &mockUnitRepo{units: make(map[uuid.UUID]*ResultUnit)}
}

func (m *mockUnitRepo) put(u *ResultUnit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.units[u.ID]; !ok {
		m.order = append(m.order, u.ID)
	}
	m.units[u.ID] = u.clone()
}

func (m *mockUnitRepo) get(id uuid.UUID) *ResultUnit {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return nil
	}
	return u.clone()
}

func (m *mockUnitRepo) GetByID(_ context.Context, id uuid.UUID) (*ResultUnit, error) {
	if u := m.get(id); u != nil {
		return u, nil
	}
	return nil, ErrNotFound
}

func (m *mockUnitRepo) GetByIDs(_ context.Context, ids []uuid.UUID) ([]*ResultUnit, error) {
	var out []*ResultUnit
	for _, id := range ids {
		if u := m.get(id); u != nil {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *mockUnitRepo) list(match func(*ResultUnit) bool) []*ResultUnit {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ResultUnit
	for _, id := range m.order {
		if u := m.units[id]; match(u) {
			out = append(out, u.clone())
		}
	}
	return out
}

func (m *mockUnitRepo) ListByParent(_ context.Context, parentID uuid.UUID) ([]*ResultUnit, error) {
	return m.list(func(u *ResultUnit) bool {
		return u.ParentResultUnitID != nil && *u.ParentResultUnitID == parentID
	}), nil
}

func (m *mockUnitRepo) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*ResultUnit, error) {
	return m.list(func(u *ResultUnit) bool { return u.OrderID == orderID }), nil
}

func (m *mockUnitRepo) Update(_ context.Context, u *ResultUnit) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.put(u)
	m.mu.Lock()
	m.updates++
	m.mu.Unlock()
	return nil
}

func (m *mockUnitRepo) UpdateMany(_ context.Context, units []*ResultUnit) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	for _, u := range units {
		m.put(u)
	}
	m.mu.Lock()
	m.batches++
	m.mu.Unlock()
	return nil
}

func (m *mockUnitRepo) CompareAndSetStatus(_ context.Context, id uuid.UUID, expected, next ResultStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.casCalls++
	u, ok := m.units[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.beforeCAS != nil {
		m.beforeCAS(u)
	}
	if u.Status != expected {
		return false, nil
	}
	u.Status = next
	return true, nil
}

type mockCatalogRepo struct {
	tests map[uuid.UUID]*CatalogTest
	comps map[uuid.UUID][]PanelComponent
}

func newMockCatalogRepo() *mockCatalogRepo {
	return &mockCatalogRepo{
		tests: make(map[uuid.UUID]*CatalogTest),
		comps: make(map[uuid.UUID][]PanelComponent),
	}
}

func (m *mockCatalogRepo) GetTest(_ context.Context, id uuid.UUID) (*CatalogTest, error) {
	t, ok := m.tests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

func (m *mockCatalogRepo) GetTests(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*CatalogTest, error) {
	out := make(map[uuid.UUID]*CatalogTest)
	for _, id := range ids {
		if t, ok := m.tests[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

func (m *mockCatalogRepo) ListPanelComponents(_ context.Context, panelTestID uuid.UUID) ([]PanelComponent, error) {
	return m.comps[panelTestID], nil
}

type mockOrderRepo struct {
	mu       sync.Mutex
	orders   map[uuid.UUID]*Order
	patients map[uuid.UUID]*Patient
	casCalls int
	casErr   error
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{
		orders:   make(map[uuid.UUID]*Order),
		patients: make(map[uuid.UUID]*Patient),
	}
}

func (m *mockOrderRepo) GetByID(_ context.Context, id uuid.UUID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *o
	return &c, nil
}

func (m *mockOrderRepo) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *mockOrderRepo) CompareAndSetStatus(_ context.Context, id uuid.UUID, expected, next OrderStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.casCalls++
	if m.casErr != nil {
		return false, m.casErr
	}
	o, ok := m.orders[id]
	if !ok {
		return false, ErrNotFound
	}
	if o.Status != expected {
		return false, nil
	}
	o.Status = next
	return true, nil
}

func (m *mockOrderRepo) status(id uuid.UUID) OrderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id].Status
}

type mockWorklistRepo struct {
	rows      []*WorklistRow
	counts    map[ResultStatus]int
	depts     map[string][]uuid.UUID
	lastQuery WorklistQuery
	from, to  time.Time
}

func newMockWorklistRepo() *mockWorklistRepo {
	return &mockWorklistRepo{depts: make(map[string][]uuid.UUID)}
}

func (m *mockWorklistRepo) FindRows(_ context.Context, q WorklistQuery) ([]*WorklistRow, error) {
	m.lastQuery = q
	return m.rows, nil
}

func (m *mockWorklistRepo) CountRootStatuses(_ context.Context, _ string, from, to time.Time) (map[ResultStatus]int, error) {
	m.from, m.to = from, to
	return m.counts, nil
}

func (m *mockWorklistRepo) UserDepartments(_ context.Context, _, userID string) ([]uuid.UUID, error) {
	return m.depts[userID], nil
}

type mockZones struct {
	zone string
	err  error
}

func (m *mockZones) TimeZone(context.Context, string) (string, error) {
	return m.zone, m.err
}

type mockSink struct {
	mu     sync.Mutex
	events []*audit.Event
	err    error
}

func (m *mockSink) Log(_ context.Context, e *audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *mockSink) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Action)
	}
	return out
}

// -- Fixture --

const testTenant = "acme"

var fixedNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

type fixture struct {
	svc      *Service
	units    *mockUnitRepo
	catalog  *mockCatalogRepo
	orders   *mockOrderRepo
	worklist *mockWorklistRepo
	zones    *mockZones
	sink     *mockSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		units:    newMockUnitRepo(),
		catalog:  newMockCatalogRepo(),
		orders:   newMockOrderRepo(),
		worklist: newMockWorklistRepo(),
		zones:    &mockZones{zone: "UTC"},
		sink:     &mockSink{},
	}
	f.svc = NewService(f.units, f.catalog, f.orders, f.worklist, f.zones, f.sink, zerolog.Nop())
	f.svc.now = func() time.Time { return fixedNow }
	return f
}

func (f *fixture) addTest(t *CatalogTest) *CatalogTest {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Type == "" {
		t.Type = TestSingle
	}
	if t.EntryType == "" {
		t.EntryType = EntryNumeric
	}
	f.catalog.tests[t.ID] = t
	return t
}

// addPanel registers a panel test whose components are the given tests, in
// order. optional lists component tests that are not required.
func (f *fixture) addPanel(code string, members []*CatalogTest, optional ...*CatalogTest) *CatalogTest {
	panel := f.addTest(&CatalogTest{Code: code, Type: TestPanel})
	isOptional := make(map[uuid.UUID]bool)
	for _, o := range optional {
		isOptional[o.ID] = true
	}
	for i, m := range members {
		f.catalog.comps[panel.ID] = append(f.catalog.comps[panel.ID], PanelComponent{
			PanelTestID: panel.ID, ChildTestID: m.ID, Required: !isOptional[m.ID], SortOrder: i + 1,
		})
	}
	return panel
}

func (f *fixture) addOrder(p *Patient) *Order {
	o := &Order{
		ID:           uuid.New(),
		TenantID:     testTenant,
		OrderNumber:  "LAB-" + uuid.NewString()[:8],
		Status:       OrderRegistered,
		RegisteredAt: fixedNow.Add(-time.Hour),
	}
	if p != nil {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		f.orders.patients[p.ID] = p
		o.PatientID = p.ID
	} else {
		o.PatientID = uuid.New()
	}
	f.orders.orders[o.ID] = o
	return o
}

func (f *fixture) addUnit(o *Order, t *CatalogTest, parent *ResultUnit, status ResultStatus) *ResultUnit {
	u := &ResultUnit{
		ID:       uuid.New(),
		SampleID: uuid.New(),
		TestID:   t.ID,
		OrderID:  o.ID,
		TenantID: o.TenantID,
		Status:   status,
	}
	if parent != nil {
		u.ParentResultUnitID = &parent.ID
	}
	switch status {
	case StatusCompleted, StatusVerified, StatusRejected:
		if t.EntryType == EntryNumeric || t.EntryType == "" {
			u.ResultValue = dec("15")
		} else {
			u.ResultText = strp("Negative")
		}
	}
	f.units.put(u)
	return u
}

func malePatient(age int) *Patient {
	dob := time.Date(fixedNow.Year()-age, 1, 1, 0, 0, 0, 0, time.UTC)
	return &Patient{PatientNumber: "P-1", FullName: "John Doe", Sex: "M", DateOfBirth: &dob}
}

func techActor() Actor {
	return Actor{UserID: "tech-1", TenantID: testTenant, Role: "lab_tech"}
}

func pathologistActor() Actor {
	return Actor{UserID: "path-1", TenantID: testTenant, Role: "pathologist"}
}

func adminActor() Actor {
	return Actor{UserID: "admin-1", TenantID: testTenant, Role: "admin"}
}

func errorKind(err error) error {
	for _, kind := range []error{ErrNotFound, ErrValidation, ErrStateConflict} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

func strp(s string) *string { return &s }
