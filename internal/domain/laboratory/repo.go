package laboratory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ResultUnitRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*ResultUnit, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*ResultUnit, error)
	ListByParent(ctx context.Context, parentID uuid.UUID) ([]*ResultUnit, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*ResultUnit, error)
	Update(ctx context.Context, u *ResultUnit) error
	UpdateMany(ctx context.Context, units []*ResultUnit) error
	// CompareAndSetStatus writes next only if the stored status is still
	// expected. It reports whether the write happened.
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next ResultStatus) (bool, error)
}

type CatalogRepository interface {
	GetTest(ctx context.Context, id uuid.UUID) (*CatalogTest, error)
	GetTests(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*CatalogTest, error)
	ListPanelComponents(ctx context.Context, panelTestID uuid.UUID) ([]PanelComponent, error)
}

type OrderRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetPatient(ctx context.Context, patientID uuid.UUID) (*Patient, error)
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next OrderStatus) (bool, error)
}

// WorklistQuery is a fully resolved worklist filter: statuses defaulted,
// calendar date converted to a UTC window, department allow-list applied.
type WorklistQuery struct {
	TenantID      string
	Statuses      []ResultStatus
	Search        string
	DepartmentID  *uuid.UUID
	DepartmentIDs []uuid.UUID
	From          *time.Time
	To            *time.Time
}

// WorklistRow is one result unit joined with its order, patient and test.
type WorklistRow struct {
	Unit           ResultUnit `json:"unit"`
	TestCode       string     `json:"test_code"`
	TestName       string     `json:"test_name"`
	TestSortOrder  int        `json:"test_sort_order"`
	PanelSortOrder *int       `json:"panel_sort_order,omitempty"`
	DepartmentID   *uuid.UUID `json:"department_id,omitempty"`
	OrderNumber    string     `json:"order_number"`
	RegisteredAt   time.Time  `json:"registered_at"`
	Patient        Patient    `json:"patient"`
}

type WorklistRepository interface {
	FindRows(ctx context.Context, q WorklistQuery) ([]*WorklistRow, error)
	// CountRootStatuses counts non-child result units per status for orders
	// registered within [from, to).
	CountRootStatuses(ctx context.Context, tenantID string, from, to time.Time) (map[ResultStatus]int, error)
	UserDepartments(ctx context.Context, tenantID, userID string) ([]uuid.UUID, error)
}

// TimeZoneResolver returns the IANA zone name configured for a tenant.
type TimeZoneResolver interface {
	TimeZone(ctx context.Context, tenantID string) (string, error)
}
