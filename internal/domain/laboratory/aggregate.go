package laboratory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/lab/internal/platform/metrics"
)

// maxStatusWriteAttempts bounds the read-compute-CAS cycle when another
// writer changes a panel or order status between our read and write.
const maxStatusWriteAttempts = 3

// AggregatePanelStatus derives a panel's status from its required components
// and the child units found under it. A missing child counts as incomplete.
func AggregatePanelStatus(required []PanelComponent, children []*ResultUnit) ResultStatus {
	byTest := make(map[uuid.UUID]*ResultUnit, len(children))
	for _, c := range children {
		if _, seen := byTest[c.TestID]; !seen {
			byTest[c.TestID] = c
		}
	}

	allVerified, allComplete := true, true
	for _, comp := range required {
		child, ok := byTest[comp.ChildTestID]
		if !ok {
			allVerified, allComplete = false, false
			continue
		}
		switch child.Status {
		case StatusRejected:
			return StatusRejected
		case StatusVerified:
		default:
			allVerified = false
		}
		if child.Status == StatusPending || child.Status == StatusInProgress || !child.HasResult() {
			allComplete = false
		}
	}

	switch {
	case allVerified:
		return StatusVerified
	case allComplete:
		return StatusCompleted
	default:
		return StatusInProgress
	}
}

// DeriveOrderStatus is completed once every unit is verified or rejected.
// An order with no units stays registered.
func DeriveOrderStatus(units []*ResultUnit) OrderStatus {
	if len(units) == 0 {
		return OrderRegistered
	}
	for _, u := range units {
		if u.Status != StatusVerified && u.Status != StatusRejected {
			return OrderRegistered
		}
	}
	return OrderCompleted
}

func requiredComponents(comps []PanelComponent) []PanelComponent {
	var out []PanelComponent
	for _, c := range comps {
		if c.Required {
			out = append(out, c)
		}
	}
	return out
}

// RecomputePanelStatus re-derives a panel root's status from its required
// children. Non-panel units and panels without required components are left
// unchanged. The write only happens when the status differs.
func (s *Service) RecomputePanelStatus(ctx context.Context, rootID uuid.UUID) (ResultStatus, error) {
	unlock := s.panelLocks.Lock(rootID)
	defer unlock()

	for attempt := 1; attempt <= maxStatusWriteAttempts; attempt++ {
		root, err := s.units.GetByID(ctx, rootID)
		if err != nil {
			return "", fmt.Errorf("load panel %s: %w", rootID, err)
		}
		test, err := s.catalog.GetTest(ctx, root.TestID)
		if err != nil {
			return "", fmt.Errorf("load panel test %s: %w", root.TestID, err)
		}
		if !test.IsPanel() {
			metrics.PanelRecomputed(metrics.OutcomeSkipped)
			return root.Status, nil
		}

		comps, err := s.catalog.ListPanelComponents(ctx, test.ID)
		if err != nil {
			return "", fmt.Errorf("load panel components %s: %w", test.ID, err)
		}
		required := requiredComponents(comps)
		if len(required) == 0 {
			s.logger.Warn().
				Str("panel_test_id", test.ID.String()).
				Str("panel_code", test.Code).
				Str("result_unit_id", rootID.String()).
				Msg("panel has no required components, status left unchanged")
			metrics.PanelRecomputed(metrics.OutcomeSkipped)
			return root.Status, nil
		}

		children, err := s.units.ListByParent(ctx, rootID)
		if err != nil {
			return "", fmt.Errorf("load panel children %s: %w", rootID, err)
		}
		next := AggregatePanelStatus(required, children)
		if next == root.Status {
			metrics.PanelRecomputed(metrics.OutcomeUnchanged)
			return next, nil
		}

		ok, err := s.units.CompareAndSetStatus(ctx, rootID, root.Status, next)
		if err != nil {
			return "", fmt.Errorf("update panel status %s: %w", rootID, err)
		}
		if ok {
			metrics.PanelRecomputed(metrics.OutcomeChanged)
			return next, nil
		}
		s.logger.Debug().
			Str("result_unit_id", rootID.String()).
			Int("attempt", attempt).
			Msg("panel status changed concurrently, recomputing")
	}
	return "", fmt.Errorf("panel %s: status kept changing during recompute", rootID)
}

// RecomputeAfterChildUpdate recomputes the parent panel of a child unit, if any.
func (s *Service) RecomputeAfterChildUpdate(ctx context.Context, childID uuid.UUID) error {
	child, err := s.units.GetByID(ctx, childID)
	if err != nil {
		return fmt.Errorf("load result unit %s: %w", childID, err)
	}
	if child.ParentResultUnitID == nil {
		return nil
	}
	_, err = s.RecomputePanelStatus(ctx, *child.ParentResultUnitID)
	return err
}

// SyncOrderStatus re-derives an order's status from all its result units.
// Cancelled orders are never touched.
func (s *Service) SyncOrderStatus(ctx context.Context, orderID uuid.UUID) (OrderStatus, error) {
	unlock := s.orderLocks.Lock(orderID)
	defer unlock()

	for attempt := 1; attempt <= maxStatusWriteAttempts; attempt++ {
		order, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return "", fmt.Errorf("load order %s: %w", orderID, err)
		}
		if order.Status == OrderCancelled {
			metrics.OrderSynced(metrics.OutcomeSkipped)
			return order.Status, nil
		}

		units, err := s.units.ListByOrder(ctx, orderID)
		if err != nil {
			return "", fmt.Errorf("load order units %s: %w", orderID, err)
		}
		next := DeriveOrderStatus(units)
		if next == order.Status {
			metrics.OrderSynced(metrics.OutcomeUnchanged)
			return next, nil
		}

		ok, err := s.orders.CompareAndSetStatus(ctx, orderID, order.Status, next)
		if err != nil {
			return "", fmt.Errorf("update order status %s: %w", orderID, err)
		}
		if ok {
			metrics.OrderSynced(metrics.OutcomeChanged)
			return next, nil
		}
		s.logger.Debug().
			Str("order_id", orderID.String()).
			Int("attempt", attempt).
			Msg("order status changed concurrently, resyncing")
	}
	return "", fmt.Errorf("order %s: status kept changing during sync", orderID)
}

// cascade runs the downstream recomputation for one changed unit. The unit is
// already saved, so failures are logged and left for the next change to repair.
func (s *Service) cascade(ctx context.Context, u *ResultUnit) {
	if err := s.RecomputeAfterChildUpdate(ctx, u.ID); err != nil {
		s.logger.Error().Err(err).Str("result_unit_id", u.ID.String()).Msg("panel recompute failed")
	}
	if _, err := s.SyncOrderStatus(ctx, u.OrderID); err != nil {
		s.logger.Error().Err(err).Str("order_id", u.OrderID.String()).Msg("order sync failed")
	}
}

// cascadeMany recomputes each distinct parent once, then each distinct
// order once.
func (s *Service) cascadeMany(ctx context.Context, units []*ResultUnit) {
	var (
		parents    []uuid.UUID
		orders     []uuid.UUID
		seenParent = make(map[uuid.UUID]bool)
		seenOrder  = make(map[uuid.UUID]bool)
	)
	for _, u := range units {
		if p := u.ParentResultUnitID; p != nil && !seenParent[*p] {
			seenParent[*p] = true
			parents = append(parents, *p)
		}
		if !seenOrder[u.OrderID] {
			seenOrder[u.OrderID] = true
			orders = append(orders, u.OrderID)
		}
	}

	for _, p := range parents {
		if _, err := s.RecomputePanelStatus(ctx, p); err != nil {
			s.logger.Error().Err(err).Str("result_unit_id", p.String()).Msg("panel recompute failed")
		}
	}
	for _, o := range orders {
		if _, err := s.SyncOrderStatus(ctx, o); err != nil {
			s.logger.Error().Err(err).Str("order_id", o.String()).Msg("order sync failed")
		}
	}
}
