package laboratory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ehr/lab/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

func notFoundOr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

// =========== Result Unit Repository ===========

type resultUnitRepoPG struct{ pool *pgxpool.Pool }

func NewResultUnitRepoPG(pool *pgxpool.Pool) ResultUnitRepository {
	return &resultUnitRepoPG{pool: pool}
}

const unitCols = `u.id, u.sample_id, u.test_id, s.order_id, o.tenant_id, u.parent_result_unit_id,
	u.status, u.result_value, u.result_text, u.result_parameters, u.comments, u.flag,
	u.resulted_at, u.resulted_by, u.verified_at, u.verified_by, u.rejection_reason, u.updated_at`

const unitFrom = ` FROM lab_result_unit u
	JOIN lab_sample s ON s.id = u.sample_id
	JOIN lab_order o ON o.id = s.order_id`

// scanUnit reads unitCols; extra destinations are scanned after them.
func scanUnit(row pgx.Row, extra ...any) (*ResultUnit, error) {
	var (
		u      ResultUnit
		status string
		value  decimal.NullDecimal
		params []byte
		flag   *string
	)
	dest := []any{&u.ID, &u.SampleID, &u.TestID, &u.OrderID, &u.TenantID, &u.ParentResultUnitID,
		&status, &value, &u.ResultText, &params, &u.Comments, &flag,
		&u.ResultedAt, &u.ResultedBy, &u.VerifiedAt, &u.VerifiedBy, &u.RejectionReason, &u.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	u.Status = ResultStatus(status)
	u.ResultValue = decimalPtr(value)
	if flag != nil {
		f := Flag(*flag)
		u.Flag = &f
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &u.ResultParameters); err != nil {
			return nil, fmt.Errorf("decode result parameters: %w", err)
		}
	}
	return &u, nil
}

func collectUnits(rows pgx.Rows) ([]*ResultUnit, error) {
	defer rows.Close()
	var items []*ResultUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, u)
	}
	return items, rows.Err()
}

func (r *resultUnitRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ResultUnit, error) {
	u, err := scanUnit(connFor(ctx, r.pool).QueryRow(ctx, `SELECT `+unitCols+unitFrom+` WHERE u.id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err)
	}
	return u, nil
}

func (r *resultUnitRepoPG) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*ResultUnit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := connFor(ctx, r.pool).Query(ctx, `SELECT `+unitCols+unitFrom+` WHERE u.id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	return collectUnits(rows)
}

func (r *resultUnitRepoPG) ListByParent(ctx context.Context, parentID uuid.UUID) ([]*ResultUnit, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx,
		`SELECT `+unitCols+unitFrom+` WHERE u.parent_result_unit_id = $1 ORDER BY u.id`, parentID)
	if err != nil {
		return nil, err
	}
	return collectUnits(rows)
}

func (r *resultUnitRepoPG) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*ResultUnit, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx,
		`SELECT `+unitCols+unitFrom+` WHERE s.order_id = $1 ORDER BY u.id`, orderID)
	if err != nil {
		return nil, err
	}
	return collectUnits(rows)
}

const unitUpdate = `
	UPDATE lab_result_unit SET status=$2, result_value=$3, result_text=$4, result_parameters=$5,
		comments=$6, flag=$7, resulted_at=$8, resulted_by=$9, verified_at=$10, verified_by=$11,
		rejection_reason=$12, updated_at=NOW()
	WHERE id = $1`

func unitUpdateArgs(u *ResultUnit) ([]any, error) {
	var params []byte
	if len(u.ResultParameters) > 0 {
		b, err := json.Marshal(u.ResultParameters)
		if err != nil {
			return nil, fmt.Errorf("encode result parameters: %w", err)
		}
		params = b
	}
	var flag *string
	if u.Flag != nil {
		f := string(*u.Flag)
		flag = &f
	}
	return []any{u.ID, string(u.Status), u.ResultValue, u.ResultText, params,
		u.Comments, flag, u.ResultedAt, u.ResultedBy, u.VerifiedAt, u.VerifiedBy,
		u.RejectionReason}, nil
}

func (r *resultUnitRepoPG) Update(ctx context.Context, u *ResultUnit) error {
	args, err := unitUpdateArgs(u)
	if err != nil {
		return err
	}
	tag, err := connFor(ctx, r.pool).Exec(ctx, unitUpdate, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMany writes all units in a single transaction.
func (r *resultUnitRepoPG) UpdateMany(ctx context.Context, units []*ResultUnit) error {
	if len(units) == 0 {
		return nil
	}
	tx, err := connFor(ctx, r.pool).Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, u := range units {
		args, err := unitUpdateArgs(u)
		if err != nil {
			return err
		}
		batch.Queue(unitUpdate, args...)
	}
	br := tx.SendBatch(ctx, batch)
	for range units {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *resultUnitRepoPG) CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next ResultStatus) (bool, error) {
	tag, err := connFor(ctx, r.pool).Exec(ctx,
		`UPDATE lab_result_unit SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, string(expected), string(next))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// =========== Catalog Repository ===========

type catalogRepoPG struct{ pool *pgxpool.Pool }

func NewCatalogRepoPG(pool *pgxpool.Pool) CatalogRepository {
	return &catalogRepoPG{pool: pool}
}

const testCols = `id, code, name, type, result_entry_type, department_id, sort_order, unit,
	general_min, general_max, male_min, male_max, female_min, female_max, allow_free_text`

func scanTest(row pgx.Row) (*CatalogTest, error) {
	var (
		t          CatalogTest
		typ, entry string
		gMin, gMax decimal.NullDecimal
		mMin, mMax decimal.NullDecimal
		fMin, fMax decimal.NullDecimal
	)
	err := row.Scan(&t.ID, &t.Code, &t.Name, &typ, &entry, &t.DepartmentID, &t.SortOrder, &t.Unit,
		&gMin, &gMax, &mMin, &mMax, &fMin, &fMax, &t.AllowFreeText)
	if err != nil {
		return nil, err
	}
	t.Type, t.EntryType = TestType(typ), EntryType(entry)
	t.GeneralMin, t.GeneralMax = decimalPtr(gMin), decimalPtr(gMax)
	t.MaleMin, t.MaleMax = decimalPtr(mMin), decimalPtr(mMax)
	t.FemaleMin, t.FemaleMax = decimalPtr(fMin), decimalPtr(fMax)
	return &t, nil
}

func (r *catalogRepoPG) GetTest(ctx context.Context, id uuid.UUID) (*CatalogTest, error) {
	tests, err := r.GetTests(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	t, ok := tests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// GetTests loads tests with their age brackets and options. Unknown ids are
// absent from the result.
func (r *catalogRepoPG) GetTests(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*CatalogTest, error) {
	out := make(map[uuid.UUID]*CatalogTest, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q := connFor(ctx, r.pool)

	rows, err := q.Query(ctx, `SELECT `+testCols+` FROM lab_test WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out[t.ID] = t
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.Query(ctx, `
		SELECT id, test_id, sex, min_age_years, max_age_years, min_value, max_value, position
		FROM lab_test_age_range WHERE test_id = ANY($1) ORDER BY test_id, position, id`, ids)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			ar     AgeRange
			testID uuid.UUID
			sex    string
			lo, hi decimal.NullDecimal
		)
		if err := rows.Scan(&ar.ID, &testID, &sex, &ar.MinAgeYears, &ar.MaxAgeYears, &lo, &hi, &ar.Position); err != nil {
			rows.Close()
			return nil, err
		}
		ar.Sex, ar.Min, ar.Max = RangeSex(sex), decimalPtr(lo), decimalPtr(hi)
		if t, ok := out[testID]; ok {
			t.AgeRanges = append(t.AgeRanges, ar)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.Query(ctx, `
		SELECT test_id, value, flag, is_default, position
		FROM lab_test_option WHERE test_id = ANY($1) ORDER BY test_id, position, value`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			opt    TextOption
			testID uuid.UUID
			flag   *string
		)
		if err := rows.Scan(&testID, &opt.Value, &flag, &opt.IsDefault, &opt.Position); err != nil {
			return nil, err
		}
		if flag != nil {
			opt.Flag = flagPtr(Flag(*flag))
		}
		if t, ok := out[testID]; ok {
			t.Options = append(t.Options, opt)
		}
	}
	return out, rows.Err()
}

func (r *catalogRepoPG) ListPanelComponents(ctx context.Context, panelTestID uuid.UUID) ([]PanelComponent, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx, `
		SELECT panel_test_id, child_test_id, required, COALESCE(sort_order, 0)
		FROM lab_panel_component WHERE panel_test_id = $1 ORDER BY 4, child_test_id`, panelTestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []PanelComponent
	for rows.Next() {
		var pc PanelComponent
		if err := rows.Scan(&pc.PanelTestID, &pc.ChildTestID, &pc.Required, &pc.SortOrder); err != nil {
			return nil, err
		}
		items = append(items, pc)
	}
	return items, rows.Err()
}

// =========== Order Repository ===========

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{pool: pool}
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	var (
		o      Order
		status string
	)
	err := connFor(ctx, r.pool).QueryRow(ctx, `
		SELECT id, tenant_id, order_number, patient_id, status, registered_at
		FROM lab_order WHERE id = $1`, id).
		Scan(&o.ID, &o.TenantID, &o.OrderNumber, &o.PatientID, &status, &o.RegisteredAt)
	if err != nil {
		return nil, notFoundOr(err)
	}
	o.Status = OrderStatus(status)
	return &o, nil
}

func (r *orderRepoPG) GetPatient(ctx context.Context, patientID uuid.UUID) (*Patient, error) {
	var p Patient
	err := connFor(ctx, r.pool).QueryRow(ctx, `
		SELECT id, patient_number, full_name, COALESCE(sex, ''), date_of_birth
		FROM lab_patient WHERE id = $1`, patientID).
		Scan(&p.ID, &p.PatientNumber, &p.FullName, &p.Sex, &p.DateOfBirth)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &p, nil
}

func (r *orderRepoPG) CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next OrderStatus) (bool, error) {
	tag, err := connFor(ctx, r.pool).Exec(ctx,
		`UPDATE lab_order SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, string(expected), string(next))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// =========== Worklist Repository ===========

type worklistRepoPG struct{ pool *pgxpool.Pool }

func NewWorklistRepoPG(pool *pgxpool.Pool) WorklistRepository {
	return &worklistRepoPG{pool: pool}
}

const worklistFrom = unitFrom + `
	JOIN lab_test t ON t.id = u.test_id
	JOIN lab_patient p ON p.id = o.patient_id
	LEFT JOIN lab_result_unit pu ON pu.id = u.parent_result_unit_id
	LEFT JOIN lab_panel_component pc ON pc.panel_test_id = pu.test_id AND pc.child_test_id = u.test_id`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes s match literally inside an ILIKE pattern.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func (r *worklistRepoPG) FindRows(ctx context.Context, q WorklistQuery) ([]*WorklistRow, error) {
	statuses := make([]string, len(q.Statuses))
	for i, s := range q.Statuses {
		statuses[i] = string(s)
	}

	query := `SELECT ` + unitCols + `,
		t.code, t.name, t.sort_order, pc.sort_order, t.department_id, o.order_number, o.registered_at,
		p.id, p.patient_number, p.full_name, COALESCE(p.sex, ''), p.date_of_birth` + worklistFrom + `
		WHERE o.tenant_id = $1 AND o.status <> 'cancelled' AND u.status = ANY($2)`
	args := []interface{}{q.TenantID, statuses}
	idx := 3

	if q.Search != "" {
		query += fmt.Sprintf(` AND (o.order_number ILIKE $%d ESCAPE '\' OR p.full_name ILIKE $%d ESCAPE '\'
			OR p.patient_number ILIKE $%d ESCAPE '\' OR t.code ILIKE $%d ESCAPE '\')`, idx, idx, idx, idx)
		args = append(args, "%"+escapeLike(q.Search)+"%")
		idx++
	}
	if q.DepartmentID != nil {
		query += fmt.Sprintf(` AND t.department_id = $%d`, idx)
		args = append(args, *q.DepartmentID)
		idx++
	}
	if len(q.DepartmentIDs) > 0 {
		query += fmt.Sprintf(` AND t.department_id = ANY($%d)`, idx)
		args = append(args, q.DepartmentIDs)
		idx++
	}
	if q.From != nil {
		query += fmt.Sprintf(` AND o.registered_at >= $%d`, idx)
		args = append(args, *q.From)
		idx++
	}
	if q.To != nil {
		query += fmt.Sprintf(` AND o.registered_at < $%d`, idx)
		args = append(args, *q.To)
	}
	query += ` ORDER BY o.registered_at DESC, o.id`

	rows, err := connFor(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*WorklistRow
	for rows.Next() {
		var row WorklistRow
		u, err := scanUnit(rows,
			&row.TestCode, &row.TestName, &row.TestSortOrder, &row.PanelSortOrder, &row.DepartmentID,
			&row.OrderNumber, &row.RegisteredAt,
			&row.Patient.ID, &row.Patient.PatientNumber, &row.Patient.FullName, &row.Patient.Sex, &row.Patient.DateOfBirth)
		if err != nil {
			return nil, err
		}
		row.Unit = *u
		items = append(items, &row)
	}
	return items, rows.Err()
}

func (r *worklistRepoPG) CountRootStatuses(ctx context.Context, tenantID string, from, to time.Time) (map[ResultStatus]int, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx, `
		SELECT u.status, COUNT(*)`+unitFrom+`
		WHERE o.tenant_id = $1 AND o.status <> 'cancelled' AND u.parent_result_unit_id IS NULL
			AND o.registered_at >= $2 AND o.registered_at < $3
		GROUP BY u.status`, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[ResultStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[ResultStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *worklistRepoPG) UserDepartments(ctx context.Context, tenantID, userID string) ([]uuid.UUID, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx, `
		SELECT department_id FROM lab_user_department
		WHERE tenant_id = $1 AND user_id = $2 ORDER BY department_id`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =========== Tenant Settings ===========

type tenantZoneRepoPG struct {
	pool     *pgxpool.Pool
	fallback string
}

// NewTenantZoneRepoPG reads tenant_settings.time_zone, returning fallback for
// tenants without a configured zone.
func NewTenantZoneRepoPG(pool *pgxpool.Pool, fallback string) TimeZoneResolver {
	return &tenantZoneRepoPG{pool: pool, fallback: fallback}
}

func (r *tenantZoneRepoPG) TimeZone(ctx context.Context, tenantID string) (string, error) {
	var tz *string
	err := connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT time_zone FROM tenant_settings WHERE tenant_id = $1`, tenantID).Scan(&tz)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && (tz == nil || *tz == "")) {
		return r.fallback, nil
	}
	if err != nil {
		return "", err
	}
	return *tz, nil
}
