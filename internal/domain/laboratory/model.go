package laboratory

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ResultStatus is the lifecycle state of a single result unit.
type ResultStatus string

const (
	StatusPending    ResultStatus = "pending"
	StatusInProgress ResultStatus = "in_progress"
	StatusCompleted  ResultStatus = "completed"
	StatusVerified   ResultStatus = "verified"
	StatusRejected   ResultStatus = "rejected"
)

var validResultStatuses = map[ResultStatus]bool{
	StatusPending: true, StatusInProgress: true, StatusCompleted: true,
	StatusVerified: true, StatusRejected: true,
}

// Valid reports whether s is a known result status.
func (s ResultStatus) Valid() bool { return validResultStatuses[s] }

// OrderStatus is the visible status of a laboratory order.
type OrderStatus string

const (
	OrderRegistered OrderStatus = "registered"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
)

// Flag classifies a result against its reference range or configured option.
type Flag string

const (
	FlagNormal       Flag = "normal"
	FlagHigh         Flag = "high"
	FlagLow          Flag = "low"
	FlagCriticalHigh Flag = "critical_high"
	FlagCriticalLow  Flag = "critical_low"
	FlagPositive     Flag = "positive"
	FlagNegative     Flag = "negative"
	FlagAbnormal     Flag = "abnormal"
)

var validFlags = map[Flag]bool{
	FlagNormal: true, FlagHigh: true, FlagLow: true, FlagCriticalHigh: true,
	FlagCriticalLow: true, FlagPositive: true, FlagNegative: true, FlagAbnormal: true,
}

// Valid reports whether f is a known flag.
func (f Flag) Valid() bool { return validFlags[f] }

// TestType distinguishes single tests from composite panels.
type TestType string

const (
	TestSingle TestType = "single"
	TestPanel  TestType = "panel"
)

// EntryType selects how a result is captured for a test.
type EntryType string

const (
	EntryNumeric     EntryType = "numeric"
	EntryQualitative EntryType = "qualitative"
	EntryText        EntryType = "text"
)

// Sex is a normalized patient sex. The zero value means unknown.
type Sex string

const (
	SexUnknown Sex = ""
	SexMale    Sex = "M"
	SexFemale  Sex = "F"
)

// NormalizeSex maps free-form registry values onto M, F or unknown.
func NormalizeSex(raw string) Sex {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "M", "MALE":
		return SexMale
	case "F", "FEMALE":
		return SexFemale
	default:
		return SexUnknown
	}
}

// RangeSex scopes an age bracket to a sex. RangeSexAny matches every patient.
type RangeSex string

const (
	RangeSexAny    RangeSex = "any"
	RangeSexMale   RangeSex = "M"
	RangeSexFemale RangeSex = "F"
)

// AgeRange is one age/sex bracket of a numeric test's reference ranges.
// On a full specificity tie the bracket with the lower Position wins.
type AgeRange struct {
	ID          uuid.UUID        `json:"id"`
	Sex         RangeSex         `json:"sex"`
	MinAgeYears *int             `json:"min_age_years,omitempty"`
	MaxAgeYears *int             `json:"max_age_years,omitempty"`
	Min         *decimal.Decimal `json:"min,omitempty"`
	Max         *decimal.Decimal `json:"max,omitempty"`
	Position    int              `json:"position"`
}

// TextOption is an allowed value for qualitative and text tests.
type TextOption struct {
	Value     string `json:"value"`
	Flag      *Flag  `json:"flag,omitempty"`
	IsDefault bool   `json:"is_default"`
	Position  int    `json:"position"`
}

// CatalogTest is the definition a result unit is measured against.
type CatalogTest struct {
	ID            uuid.UUID        `db:"id" json:"id"`
	Code          string           `db:"code" json:"code"`
	Name          string           `db:"name" json:"name"`
	Type          TestType         `db:"type" json:"type"`
	EntryType     EntryType        `db:"result_entry_type" json:"result_entry_type"`
	DepartmentID  *uuid.UUID       `db:"department_id" json:"department_id,omitempty"`
	SortOrder     int              `db:"sort_order" json:"sort_order"`
	Unit          *string          `db:"unit" json:"unit,omitempty"`
	GeneralMin    *decimal.Decimal `db:"general_min" json:"general_min,omitempty"`
	GeneralMax    *decimal.Decimal `db:"general_max" json:"general_max,omitempty"`
	MaleMin       *decimal.Decimal `db:"male_min" json:"male_min,omitempty"`
	MaleMax       *decimal.Decimal `db:"male_max" json:"male_max,omitempty"`
	FemaleMin     *decimal.Decimal `db:"female_min" json:"female_min,omitempty"`
	FemaleMax     *decimal.Decimal `db:"female_max" json:"female_max,omitempty"`
	AllowFreeText bool             `db:"allow_free_text" json:"allow_free_text"`
	AgeRanges     []AgeRange       `json:"age_ranges,omitempty"`
	Options       []TextOption     `json:"options,omitempty"`
}

// IsPanel reports whether the test aggregates member results.
func (t *CatalogTest) IsPanel() bool { return t.Type == TestPanel }

// PanelComponent links a panel test to one of its member tests.
type PanelComponent struct {
	PanelTestID uuid.UUID `db:"panel_test_id" json:"panel_test_id"`
	ChildTestID uuid.UUID `db:"child_test_id" json:"child_test_id"`
	Required    bool      `db:"required" json:"required"`
	SortOrder   int       `db:"sort_order" json:"sort_order"`
}

// ResultUnit maps to the lab_result_unit table: one ordered test instance.
// OrderID and TenantID are resolved through the owning sample.
type ResultUnit struct {
	ID                 uuid.UUID         `db:"id" json:"id"`
	SampleID           uuid.UUID         `db:"sample_id" json:"sample_id"`
	TestID             uuid.UUID         `db:"test_id" json:"test_id"`
	OrderID            uuid.UUID         `db:"order_id" json:"order_id"`
	TenantID           string            `db:"tenant_id" json:"-"`
	ParentResultUnitID *uuid.UUID        `db:"parent_result_unit_id" json:"parent_result_unit_id,omitempty"`
	Status             ResultStatus      `db:"status" json:"status"`
	ResultValue        *decimal.Decimal  `db:"result_value" json:"result_value,omitempty"`
	ResultText         *string           `db:"result_text" json:"result_text,omitempty"`
	ResultParameters   map[string]string `db:"result_parameters" json:"result_parameters,omitempty"`
	Comments           *string           `db:"comments" json:"comments,omitempty"`
	Flag               *Flag             `db:"flag" json:"flag,omitempty"`
	ResultedAt         *time.Time        `db:"resulted_at" json:"resulted_at,omitempty"`
	ResultedBy         *string           `db:"resulted_by" json:"resulted_by,omitempty"`
	VerifiedAt         *time.Time        `db:"verified_at" json:"verified_at,omitempty"`
	VerifiedBy         *string           `db:"verified_by" json:"verified_by,omitempty"`
	RejectionReason    *string           `db:"rejection_reason" json:"rejection_reason,omitempty"`
	UpdatedAt          time.Time         `db:"updated_at" json:"updated_at"`
}

// HasResult reports whether a value or text has been recorded.
func (u *ResultUnit) HasResult() bool {
	return u.ResultValue != nil || u.ResultText != nil
}

func (u *ResultUnit) clone() *ResultUnit {
	c := *u
	if u.ResultParameters != nil {
		c.ResultParameters = make(map[string]string, len(u.ResultParameters))
		for k, v := range u.ResultParameters {
			c.ResultParameters[k] = v
		}
	}
	return &c
}

// Order maps to the lab_order table.
type Order struct {
	ID           uuid.UUID   `db:"id" json:"id"`
	TenantID     string      `db:"tenant_id" json:"-"`
	OrderNumber  string      `db:"order_number" json:"order_number"`
	PatientID    uuid.UUID   `db:"patient_id" json:"patient_id"`
	Status       OrderStatus `db:"status" json:"status"`
	RegisteredAt time.Time   `db:"registered_at" json:"registered_at"`
}

// Patient carries the demographics the range resolver needs.
type Patient struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	PatientNumber string     `db:"patient_number" json:"patient_number"`
	FullName      string     `db:"full_name" json:"full_name"`
	Sex           string     `db:"sex" json:"sex"`
	DateOfBirth   *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
}

// AgeYears returns the patient's age in whole years at the given instant,
// or nil when the date of birth is unknown.
func (p *Patient) AgeYears(at time.Time) *int {
	if p == nil || p.DateOfBirth == nil {
		return nil
	}
	return ageInYears(*p.DateOfBirth, at)
}

func ageInYears(dob, at time.Time) *int {
	years := at.Year() - dob.Year()
	if at.Month() < dob.Month() || (at.Month() == dob.Month() && at.Day() < dob.Day()) {
		years--
	}
	if years < 0 {
		years = 0
	}
	return &years
}

// Actor identifies who is calling into the laboratory service.
type Actor struct {
	UserID               string `json:"user_id"`
	TenantID             string `json:"tenant_id"`
	Role                 string `json:"role"`
	IsImpersonation      bool   `json:"is_impersonation"`
	ImpersonatingAdminID string `json:"impersonating_admin_id,omitempty"`
}

// CanOverrideVerified reports whether the actor may edit a verified result.
func (a Actor) CanOverrideVerified() bool {
	return a.Role == "admin" || a.IsImpersonation
}

// ResultPayload is a single result submission.
type ResultPayload struct {
	ResultValue       *decimal.Decimal  `json:"result_value,omitempty"`
	ResultText        *string           `json:"result_text,omitempty"`
	Comments          *string           `json:"comments,omitempty"`
	ResultParameters  map[string]string `json:"result_parameters,omitempty"`
	ForceEditVerified bool              `json:"force_edit_verified,omitempty"`
}

// BatchUpdate is one item of a batch result submission.
type BatchUpdate struct {
	UnitID uuid.UUID `json:"id"`
	ResultPayload
}

// BatchItemOutcome reports what happened to one item in strict batch mode.
type BatchItemOutcome struct {
	UnitID uuid.UUID `json:"id"`
	Saved  bool      `json:"saved"`
	Error  string    `json:"error,omitempty"`
}

// BatchEnterResult summarizes a batch result submission.
type BatchEnterResult struct {
	Saved  int                `json:"saved"`
	Failed int                `json:"failed"`
	Items  []BatchItemOutcome `json:"items,omitempty"`
}

// VerifyMultipleResult summarizes a bulk verification.
type VerifyMultipleResult struct {
	Verified int `json:"verified"`
	Failed   int `json:"failed"`
}

// ResultUnitView is a result unit together with the reference range
// resolved for its patient.
type ResultUnitView struct {
	*ResultUnit
	TestCode     string           `json:"test_code"`
	TestName     string           `json:"test_name"`
	EntryType    EntryType        `json:"result_entry_type"`
	TestUnit     *string          `json:"unit,omitempty"`
	ReferenceMin *decimal.Decimal `json:"reference_min,omitempty"`
	ReferenceMax *decimal.Decimal `json:"reference_max,omitempty"`
	RangeSource  RangeSource      `json:"range_source"`
}
