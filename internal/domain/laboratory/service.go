package laboratory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/lab/internal/platform/audit"
	"github.com/ehr/lab/internal/platform/metrics"
)

// Service owns the result lifecycle: entry, verification, rejection and the
// panel/order recomputation that follows each change.
type Service struct {
	units    ResultUnitRepository
	catalog  CatalogRepository
	orders   OrderRepository
	worklist WorklistRepository
	zones    TimeZoneResolver
	audit    audit.Sink
	logger   zerolog.Logger

	panelLocks *keyedMutex
	orderLocks *keyedMutex
	now        func() time.Time
}

func NewService(units ResultUnitRepository, catalog CatalogRepository, orders OrderRepository,
	worklist WorklistRepository, zones TimeZoneResolver, sink audit.Sink, logger zerolog.Logger) *Service {
	return &Service{
		units:      units,
		catalog:    catalog,
		orders:     orders,
		worklist:   worklist,
		zones:      zones,
		audit:      sink,
		logger:     logger.With().Str("component", "laboratory").Logger(),
		panelLocks: newKeyedMutex(),
		orderLocks: newKeyedMutex(),
		now:        time.Now,
	}
}

// loadUnit fetches a unit and hides units belonging to another tenant.
func (s *Service) loadUnit(ctx context.Context, id uuid.UUID, actor Actor) (*ResultUnit, error) {
	u, err := s.units.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("result unit %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load result unit %s: %w", id, err)
	}
	if u.TenantID != actor.TenantID {
		return nil, notFound("result unit %s not found", id)
	}
	return u, nil
}

// patientFor returns the demographics of the order's patient. Missing
// patient data yields an unknown sex and age.
func (s *Service) patientFor(ctx context.Context, orderID uuid.UUID) (patientContext, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return patientContext{}, fmt.Errorf("load order %s: %w", orderID, err)
	}
	p, err := s.orders.GetPatient(ctx, order.PatientID)
	if errors.Is(err, ErrNotFound) {
		return patientContext{}, nil
	}
	if err != nil {
		return patientContext{}, fmt.Errorf("load patient %s: %w", order.PatientID, err)
	}
	return patientContext{sex: p.Sex, ageYears: p.AgeYears(s.now())}, nil
}

// prepareEntry validates a payload against the unit's test and returns the
// updated copy of the unit plus the audit event describing the change. The
// passed unit is never modified.
func (s *Service) prepareEntry(unit *ResultUnit, test *CatalogTest, pc patientContext, actor Actor, p ResultPayload) (*ResultUnit, *audit.Event, error) {
	override := false
	if unit.Status == StatusVerified {
		if !p.ForceEditVerified || !actor.CanOverrideVerified() {
			return nil, nil, stateConflict("cannot modify a verified result")
		}
		override = true
	}

	h, err := handlerFor(test.EntryType)
	if err != nil {
		return nil, nil, err
	}

	next := unit.clone()
	if p.Comments != nil {
		next.Comments = p.Comments
	}
	if p.ResultParameters != nil {
		next.ResultParameters = nil
		if len(p.ResultParameters) > 0 {
			next.ResultParameters = make(map[string]string, len(p.ResultParameters))
			for k, v := range p.ResultParameters {
				next.ResultParameters[k] = v
			}
		}
	}
	if err := h.apply(next, test, p, pc); err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	userID := actor.UserID
	isUpdate := unit.ResultedAt != nil

	next.Status = StatusCompleted
	if override {
		next.Status = StatusVerified
		next.VerifiedAt = &now
		next.VerifiedBy = &userID
	}
	next.RejectionReason = nil
	next.ResultedAt = &now
	next.ResultedBy = &userID
	next.UpdatedAt = now

	action, verb := "result.entered", "Entered"
	if isUpdate {
		action, verb = "result.updated", "Updated"
	}
	if override {
		action, verb = "result.verified_override", "Corrected verified"
	}
	desc := fmt.Sprintf("%s result for %s: %s", verb, test.Code, describeResult(next))
	ev := s.newEvent(actor, action, next.ID, desc)
	ev.OldValues = resultValues(unit)
	ev.NewValues = resultValues(next)
	ev.NewValues["override"] = override
	return next, ev, nil
}

// EnterResult validates and records a single result, then recomputes the
// parent panel and the order.
func (s *Service) EnterResult(ctx context.Context, unitID uuid.UUID, actor Actor, p ResultPayload) (*ResultUnit, error) {
	unit, err := s.loadUnit(ctx, unitID, actor)
	if err != nil {
		return nil, err
	}
	test, err := s.catalog.GetTest(ctx, unit.TestID)
	if err != nil {
		return nil, fmt.Errorf("load test %s: %w", unit.TestID, err)
	}
	pc, err := s.patientFor(ctx, unit.OrderID)
	if err != nil {
		return nil, err
	}

	next, ev, err := s.prepareEntry(unit, test, pc, actor, p)
	if err != nil {
		return nil, err
	}
	if err := s.units.Update(ctx, next); err != nil {
		return nil, fmt.Errorf("save result unit %s: %w", next.ID, err)
	}
	metrics.ResultEntered(string(test.EntryType), flagLabel(next.Flag))

	s.cascade(ctx, next)
	s.emit(ctx, ev)
	return next, nil
}

// VerifyResult marks a resulted unit as verified.
func (s *Service) VerifyResult(ctx context.Context, unitID uuid.UUID, actor Actor) (*ResultUnit, error) {
	unit, err := s.loadUnit(ctx, unitID, actor)
	if err != nil {
		return nil, err
	}
	if err := checkVerifiable(unit); err != nil {
		return nil, err
	}

	next := unit.clone()
	s.markVerified(next, actor)
	if err := s.units.Update(ctx, next); err != nil {
		return nil, fmt.Errorf("save result unit %s: %w", next.ID, err)
	}
	metrics.ResultVerified(1)

	ev := s.newEvent(actor, "result.verified", next.ID, "Verified result")
	ev.OldValues = map[string]any{"status": unit.Status}
	ev.NewValues = map[string]any{"status": next.Status}

	s.cascade(ctx, next)
	s.emit(ctx, ev)
	return next, nil
}

// RejectResult marks a unit as rejected with the given reason. Rejection is
// stamped like a verification.
func (s *Service) RejectResult(ctx context.Context, unitID uuid.UUID, actor Actor, reason string) (*ResultUnit, error) {
	unit, err := s.loadUnit(ctx, unitID, actor)
	if err != nil {
		return nil, err
	}
	if unit.Status == StatusVerified {
		return nil, stateConflict("cannot reject a verified result")
	}

	next := unit.clone()
	now := s.now().UTC()
	userID := actor.UserID
	next.Status = StatusRejected
	next.RejectionReason = trimmed(&reason)
	next.VerifiedAt = &now
	next.VerifiedBy = &userID
	next.UpdatedAt = now
	if err := s.units.Update(ctx, next); err != nil {
		return nil, fmt.Errorf("save result unit %s: %w", next.ID, err)
	}
	metrics.ResultRejected()

	ev := s.newEvent(actor, "result.rejected", next.ID, fmt.Sprintf("Rejected result: %s", reason))
	ev.OldValues = map[string]any{"status": unit.Status}
	ev.NewValues = map[string]any{"status": next.Status, "rejection_reason": reason}

	s.cascade(ctx, next)
	s.emit(ctx, ev)
	return next, nil
}

// VerifyMultiple verifies every eligible unit in one write. Units that are
// missing, out of tenant, already verified or without a result are counted
// as failures. Each distinct parent panel and order is recomputed once.
func (s *Service) VerifyMultiple(ctx context.Context, unitIDs []uuid.UUID, actor Actor) (*VerifyMultipleResult, error) {
	ids := uniqueIDs(unitIDs)
	found, err := s.units.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load result units: %w", err)
	}
	byID := make(map[uuid.UUID]*ResultUnit, len(found))
	for _, u := range found {
		byID[u.ID] = u
	}

	res := &VerifyMultipleResult{}
	var (
		survivors []*ResultUnit
		events    []*audit.Event
	)
	for _, id := range ids {
		u, ok := byID[id]
		if !ok || u.TenantID != actor.TenantID {
			res.Failed++
			s.logger.Debug().Str("result_unit_id", id.String()).Msg("verify skipped: not found")
			continue
		}
		if err := checkVerifiable(u); err != nil {
			res.Failed++
			s.logger.Debug().Str("result_unit_id", id.String()).Err(err).Msg("verify skipped")
			continue
		}
		next := u.clone()
		s.markVerified(next, actor)
		survivors = append(survivors, next)

		ev := s.newEvent(actor, "result.verified", next.ID, "Verified result (bulk)")
		ev.OldValues = map[string]any{"status": u.Status}
		ev.NewValues = map[string]any{"status": next.Status}
		events = append(events, ev)
	}

	if len(survivors) == 0 {
		return res, nil
	}
	if err := s.units.UpdateMany(ctx, survivors); err != nil {
		return nil, fmt.Errorf("save verified units: %w", err)
	}
	res.Verified = len(survivors)
	metrics.ResultVerified(res.Verified)

	s.cascadeMany(ctx, survivors)
	for _, ev := range events {
		s.emit(ctx, ev)
	}
	return res, nil
}

// BatchEnterResults applies many result entries. Items that fail validation
// are skipped; in strict mode the per-item outcome is reported. Each distinct
// parent panel and order is recomputed once, and audit events are flushed
// only for saved units.
func (s *Service) BatchEnterResults(ctx context.Context, actor Actor, updates []BatchUpdate, strict bool) (*BatchEnterResult, error) {
	res := &BatchEnterResult{}
	if len(updates) == 0 {
		return res, nil
	}

	ids := make([]uuid.UUID, 0, len(updates))
	for _, upd := range updates {
		ids = append(ids, upd.UnitID)
	}
	found, err := s.units.GetByIDs(ctx, uniqueIDs(ids))
	if err != nil {
		return nil, fmt.Errorf("load result units: %w", err)
	}
	current := make(map[uuid.UUID]*ResultUnit, len(found))
	testIDs := make([]uuid.UUID, 0, len(found))
	for _, u := range found {
		current[u.ID] = u
		testIDs = append(testIDs, u.TestID)
	}
	tests, err := s.catalog.GetTests(ctx, uniqueIDs(testIDs))
	if err != nil {
		return nil, fmt.Errorf("load tests: %w", err)
	}

	var (
		saved    []*ResultUnit
		savedIdx = make(map[uuid.UUID]int)
		events   []*audit.Event
		outcomes []BatchItemOutcome
		patients = make(map[uuid.UUID]patientContext)
	)
	skip := func(id uuid.UUID, err error) {
		res.Failed++
		s.logger.Debug().Str("result_unit_id", id.String()).Err(err).Msg("batch item skipped")
		if strict {
			outcomes = append(outcomes, BatchItemOutcome{UnitID: id, Error: err.Error()})
		}
	}

	for _, upd := range updates {
		u, ok := current[upd.UnitID]
		if !ok || u.TenantID != actor.TenantID {
			skip(upd.UnitID, notFound("result unit %s not found", upd.UnitID))
			continue
		}
		test, ok := tests[u.TestID]
		if !ok {
			skip(upd.UnitID, notFound("test %s not found", u.TestID))
			continue
		}
		pc, ok := patients[u.OrderID]
		if !ok {
			pc, err = s.patientFor(ctx, u.OrderID)
			if err != nil {
				skip(upd.UnitID, err)
				continue
			}
			patients[u.OrderID] = pc
		}

		next, ev, err := s.prepareEntry(u, test, pc, actor, upd.ResultPayload)
		if err != nil {
			skip(upd.UnitID, err)
			continue
		}
		current[next.ID] = next
		if i, dup := savedIdx[next.ID]; dup {
			saved[i] = next
		} else {
			savedIdx[next.ID] = len(saved)
			saved = append(saved, next)
		}
		events = append(events, ev)
		if strict {
			outcomes = append(outcomes, BatchItemOutcome{UnitID: next.ID, Saved: true})
		}
		metrics.ResultEntered(string(test.EntryType), flagLabel(next.Flag))
	}

	if strict {
		res.Items = outcomes
	}
	if len(saved) == 0 {
		return res, nil
	}
	if err := s.units.UpdateMany(ctx, saved); err != nil {
		return nil, fmt.Errorf("save batch results: %w", err)
	}
	res.Saved = len(updates) - res.Failed

	s.cascadeMany(ctx, saved)
	for _, ev := range events {
		s.emit(ctx, ev)
	}
	return res, nil
}

// GetResultUnit returns a unit with the reference range resolved for its patient.
func (s *Service) GetResultUnit(ctx context.Context, unitID uuid.UUID, actor Actor) (*ResultUnitView, error) {
	unit, err := s.loadUnit(ctx, unitID, actor)
	if err != nil {
		return nil, err
	}
	test, err := s.catalog.GetTest(ctx, unit.TestID)
	if err != nil {
		return nil, fmt.Errorf("load test %s: %w", unit.TestID, err)
	}
	pc, err := s.patientFor(ctx, unit.OrderID)
	if err != nil {
		return nil, err
	}
	r := ResolvedRange{Source: RangeFromNone}
	if test.EntryType == EntryNumeric {
		r = ResolveNumericRange(test, pc.sex, pc.ageYears)
	}
	return &ResultUnitView{
		ResultUnit:   unit,
		TestCode:     test.Code,
		TestName:     test.Name,
		EntryType:    test.EntryType,
		TestUnit:     test.Unit,
		ReferenceMin: r.Min,
		ReferenceMax: r.Max,
		RangeSource:  r.Source,
	}, nil
}

// checkVerifiable refuses verified units and units with nothing recorded,
// including ones rejected before any result was entered.
func checkVerifiable(u *ResultUnit) error {
	switch {
	case u.Status == StatusVerified:
		return stateConflict("already verified")
	case u.Status == StatusPending || !u.HasResult():
		return stateConflict("cannot verify a test without a result")
	}
	return nil
}

func (s *Service) markVerified(u *ResultUnit, actor Actor) {
	now := s.now().UTC()
	userID := actor.UserID
	u.Status = StatusVerified
	u.VerifiedAt = &now
	u.VerifiedBy = &userID
	u.UpdatedAt = now
}

func (s *Service) newEvent(actor Actor, action string, unitID uuid.UUID, desc string) *audit.Event {
	ev := &audit.Event{
		ActorType:   audit.ActorUser,
		ActorID:     actor.UserID,
		TenantID:    actor.TenantID,
		Action:      action,
		EntityType:  "result_unit",
		EntityID:    unitID,
		Description: desc,
		RecordedAt:  s.now().UTC(),
	}
	if actor.IsImpersonation {
		ev.ActorType = audit.ActorImpersonation
		ev.Description = fmt.Sprintf("%s (impersonated by admin %s)", desc, actor.ImpersonatingAdminID)
	}
	return ev
}

// emit writes an audit event. Failures are logged and never surface.
func (s *Service) emit(ctx context.Context, ev *audit.Event) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, ev); err != nil {
		metrics.AuditFailed()
		s.logger.Error().Err(err).
			Str("action", ev.Action).
			Str("entity_id", ev.EntityID.String()).
			Msg("failed to write audit event")
	}
}

func resultValues(u *ResultUnit) map[string]any {
	v := map[string]any{"status": u.Status}
	if u.ResultValue != nil {
		v["result_value"] = u.ResultValue.String()
	}
	if u.ResultText != nil {
		v["result_text"] = *u.ResultText
	}
	if u.Flag != nil {
		v["flag"] = *u.Flag
	}
	return v
}

func describeResult(u *ResultUnit) string {
	var out string
	switch {
	case u.ResultValue != nil:
		out = u.ResultValue.String()
	case u.ResultText != nil:
		out = *u.ResultText
	default:
		out = "(empty)"
	}
	if u.Flag != nil {
		out += fmt.Sprintf(" (%s)", *u.Flag)
	}
	return out
}

func flagLabel(f *Flag) string {
	if f == nil {
		return ""
	}
	return string(*f)
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
