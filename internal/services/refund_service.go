package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"payment-core/internal/gateway"
	"payment-core/internal/models"
	"payment-core/internal/repository"
)

// RefundInput describes a refund request
type RefundInput struct {
	Amount   decimal.Decimal
	Reason   string
	Actor    string
	Metadata map[string]interface{}
	// Deferred stops after the pending refund is recorded; ProcessRefund finishes it
	Deferred bool
}

// RefundResult is the outcome of a refund operation. Rejections are results, not errors.
type RefundResult struct {
	Success bool
	Message string
	Refund  *models.Refund
}

// RefundService issues refunds against completed payments
type RefundService struct {
	store      repository.Store
	gateways   GatewayResolver
	settlement settlement
	timeout    time.Duration
	logger     *logrus.Entry
	now        func() time.Time
}

// NewRefundService creates a new refund service. timeout bounds every gateway refund call.
func NewRefundService(store repository.Store, gateways GatewayResolver, publisher SettlementPublisher, notifier CustomerNotifier, timeout time.Duration, logger *logrus.Logger) *RefundService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	entry := logger.WithField("component", "refund_service")
	return &RefundService{
		store:      store,
		gateways:   gateways,
		settlement: settlement{publisher: publisher, notifier: notifier, logger: entry},
		timeout:    timeout,
		logger:     entry,
		now:        time.Now,
	}
}

// GetRefundableAmount is the payment amount minus every refund that still holds balance
func (s *RefundService) GetRefundableAmount(payment *models.Payment) decimal.Decimal {
	reserved := decimal.Zero
	for _, r := range payment.Refunds {
		if r.Status.ReservesBalance() {
			reserved = reserved.Add(r.Amount)
		}
	}
	refundable := payment.Amount.Sub(reserved)
	if refundable.IsNegative() {
		return decimal.Zero
	}
	return refundable
}

// checkEligibility returns the rejection message for a refund of amount, or "" when allowed
func (s *RefundService) checkEligibility(payment *models.Payment, amount decimal.Decimal) string {
	if payment.Status != models.PaymentCompleted {
		return MsgRefundNotEligible
	}
	if refundable := s.GetRefundableAmount(payment); amount.GreaterThan(refundable) {
		return maxRefundableMessage(refundable)
	}
	for _, r := range payment.Refunds {
		if r.Status.InFlight() {
			return MsgRefundInFlight
		}
	}
	return ""
}

// InitiateRefund validates and issues a refund. The balance is checked again under the payment
// lock, which is held until the refund reaches its final status.
func (s *RefundService) InitiateRefund(ctx context.Context, payment *models.Payment, in RefundInput) (*RefundResult, error) {
	amount := in.Amount.Round(2)
	if !amount.IsPositive() {
		return &RefundResult{Message: MsgRefundAmountInvalid}, nil
	}

	// Cheap rejection before taking the lock
	if msg := s.checkEligibility(payment, amount); msg != "" {
		return &RefundResult{Message: msg}, nil
	}

	var adapter gateway.Adapter
	if !in.Deferred {
		var err error
		if adapter, err = s.gateways.Get(ctx, payment.GatewayCode); err != nil {
			return nil, err
		}
	}

	log := s.logger.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"amount":     amount.StringFixed(2),
		"actor":      in.Actor,
	})

	var (
		result    *RefundResult
		completed *models.Payment
	)
	err := s.store.WithPaymentLock(ctx, payment.ID, func(tx repository.Store, locked *models.Payment) error {
		if msg := s.checkEligibility(locked, amount); msg != "" {
			log.WithField("reason", msg).Info("Refund rejected after acquiring payment lock")
			result = &RefundResult{Message: msg}
			return nil
		}

		refund := &models.Refund{
			PaymentID:   locked.ID,
			Amount:      amount,
			Currency:    locked.Currency,
			Status:      models.RefundPending,
			Reason:      in.Reason,
			RequestedBy: in.Actor,
			Metadata:    models.JSONB{},
		}
		for k, v := range in.Metadata {
			refund.SetMetadata(k, v)
		}
		if err := tx.CreateRefund(ctx, refund); err != nil {
			return err
		}
		locked.Refunds = append(locked.Refunds, *refund)

		if in.Deferred {
			log.WithField("refund_id", refund.ID).Info("Refund recorded for approval")
			result = &RefundResult{Success: true, Message: "Refund request recorded and awaiting processing", Refund: refund}
			return nil
		}

		var err error
		result, err = s.execute(ctx, tx, adapter, locked, refund, in.Actor)
		if err != nil {
			return err
		}
		if refund.Status == models.RefundCompleted {
			completed = locked
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrPaymentNotFound
		}
		log.WithError(err).Error("Refund transaction rolled back")
		return nil, fmt.Errorf("failed to refund payment: %w", err)
	}

	if completed != nil {
		s.settlement.refundCompleted(ctx, completed, result.Refund)
	}
	return result, nil
}

// ProcessRefund sends a pending refund to the gateway
func (s *RefundService) ProcessRefund(ctx context.Context, refundID uuid.UUID, actor string) (*RefundResult, error) {
	refund, err := s.GetRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if refund.Status != models.RefundPending {
		return nil, ErrRefundNotPending
	}

	payment := refund.Payment
	if payment == nil {
		if payment, err = s.store.GetPayment(ctx, refund.PaymentID); err != nil {
			return nil, err
		}
	}
	adapter, err := s.gateways.Get(ctx, payment.GatewayCode)
	if err != nil {
		return nil, err
	}

	var (
		result    *RefundResult
		completed *models.Payment
	)
	err = s.store.WithPaymentLock(ctx, refund.PaymentID, func(tx repository.Store, locked *models.Payment) error {
		current := lockedRefund(locked, refundID)
		if current == nil {
			return ErrRefundNotFound
		}
		if current.Status != models.RefundPending {
			return ErrRefundNotPending
		}
		if locked.Status != models.PaymentCompleted {
			result = &RefundResult{Message: MsgRefundNotEligible, Refund: current}
			return nil
		}
		for _, r := range locked.Refunds {
			if r.ID != current.ID && r.Status.InFlight() {
				result = &RefundResult{Message: MsgRefundInFlight, Refund: current}
				return nil
			}
		}

		var err error
		result, err = s.execute(ctx, tx, adapter, locked, current, actor)
		if err != nil {
			return err
		}
		if current.Status == models.RefundCompleted {
			completed = locked
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}

	if completed != nil {
		s.settlement.refundCompleted(ctx, completed, result.Refund)
	}
	return result, nil
}

// execute runs the gateway half of a refund inside the payment lock and persists the outcome
// on both the refund and the payment
func (s *RefundService) execute(ctx context.Context, tx repository.Store, adapter gateway.Adapter, payment *models.Payment, refund *models.Refund, actor string) (*RefundResult, error) {
	log := s.logger.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"refund_id":  refund.ID,
	})

	refund.Status = models.RefundProcessing
	if err := tx.SaveRefund(ctx, refund); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	raw, callErr := adapter.Refund(callCtx, &gateway.RefundRequest{
		RefundID:       refund.ID,
		TransactionRef: payment.TransactionRef(),
		Amount:         refund.Amount,
		Currency:       refund.Currency,
		Reason:         refund.Reason,
	})
	cancel()

	if raw != nil {
		refund.SetMetadata("gateway_response", toMetadata(raw))
		if raw.RefundID != "" {
			gatewayRefundID := raw.RefundID
			refund.GatewayRefundID = &gatewayRefundID
		}
	}

	now := s.now()
	var result *RefundResult
	switch {
	case callErr != nil || raw == nil || !raw.Success:
		details := gatewayErrorDetails(raw, callErr)
		code, _ := details["code"].(string)
		reason, _ := details["message"].(string)
		if errors.Is(callErr, context.DeadlineExceeded) {
			code = "GatewayTimeout"
		}
		refund.Status = models.RefundFailed
		refund.FailureCode = code
		refund.FailureReason = reason
		refund.ProcessedAt = &now
		refund.ProcessedBy = actor
		log.WithFields(logrus.Fields{"code": code, "reason": reason}).Warn("Gateway refund failed")
		result = &RefundResult{Message: refundFailedMessage(reason), Refund: refund}
	case isPending(raw.Status):
		log.Info("Refund accepted by gateway, awaiting confirmation")
		result = &RefundResult{Success: true, Message: "Refund submitted and awaiting gateway confirmation", Refund: refund}
	default:
		refund.Status = models.RefundCompleted
		refund.ProcessedAt = &now
		refund.ProcessedBy = actor
		log.WithField("amount", refund.Amount.StringFixed(2)).Info("Refund completed")
		result = &RefundResult{Success: true, Message: "Refund processed successfully", Refund: refund}
	}

	if err := tx.SaveRefund(ctx, refund); err != nil {
		return nil, err
	}
	syncRefund(payment, refund)
	updateRefundSummary(payment)
	if err := tx.SavePayment(ctx, payment); err != nil {
		return nil, err
	}
	return result, nil
}

// CancelRefund cancels a pending refund. It reports false, without changing anything, for
// refunds in any other state.
func (s *RefundService) CancelRefund(ctx context.Context, refundID uuid.UUID, reason, actor string) (bool, *models.Refund, error) {
	refund, err := s.GetRefund(ctx, refundID)
	if err != nil {
		return false, nil, err
	}
	if refund.Status != models.RefundPending {
		return false, refund, nil
	}

	var cancelled *models.Refund
	err = s.store.WithPaymentLock(ctx, refund.PaymentID, func(tx repository.Store, locked *models.Payment) error {
		current := lockedRefund(locked, refundID)
		if current == nil {
			return ErrRefundNotFound
		}
		if current.Status != models.RefundPending {
			refund = current
			return nil
		}

		current.Status = models.RefundCancelled
		current.ProcessedBy = actor
		current.SetMetadata("cancellation_reason", reason)
		current.SetMetadata("cancelled_by", actor)
		current.SetMetadata("cancelled_at", s.now().UTC().Format(time.RFC3339))
		if err := tx.SaveRefund(ctx, current); err != nil {
			return err
		}
		cancelled = current
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	if cancelled == nil {
		return false, refund, nil
	}

	s.logger.WithFields(logrus.Fields{
		"refund_id": refundID,
		"actor":     actor,
	}).Info("Refund cancelled")
	return true, cancelled, nil
}

// ApplyRefundNotification applies a gateway's late refund verdict. Terminal refunds never change.
func (s *RefundService) ApplyRefundNotification(ctx context.Context, gatewayCode string, n *gateway.Notification) (*models.Refund, error) {
	refund, err := s.findRefund(ctx, n)
	if err != nil {
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{
		"gateway":        gatewayCode,
		"refund_id":      refund.ID,
		"gateway_status": n.Status,
	})

	var (
		result    *models.Refund
		completed *models.Payment
	)
	err = s.store.WithPaymentLock(ctx, refund.PaymentID, func(tx repository.Store, locked *models.Payment) error {
		current := lockedRefund(locked, refund.ID)
		if current == nil {
			return ErrRefundNotFound
		}
		result = current
		if current.Status.IsTerminal() {
			log.WithField("status", current.Status).Info("Ignoring notification for settled refund")
			return nil
		}
		if n.RefundRef != "" && current.GatewayRefundID == nil {
			ref := n.RefundRef
			current.GatewayRefundID = &ref
		}
		current.SetMetadata("last_notification_status", n.Status)

		target, ok := MapRefundStatus(n.Status)
		switch {
		case isPending(n.Status) || n.Status == "":
		case !ok:
			log.Warn("Unmapped gateway refund status, refund flagged for review")
			current.SetMetadata("needs_review", true)
			current.SetMetadata("unmapped_status", n.Status)
		default:
			now := s.now()
			current.Status = target
			current.ProcessedAt = &now
			if target == models.RefundFailed {
				current.FailureCode = "gateway_reported"
				current.FailureReason = fmt.Sprintf("Gateway reported refund as %s", n.Status)
			} else {
				completed = locked
			}
			log.WithField("new_status", target).Info("Refund status updated from gateway")
		}

		if err := tx.SaveRefund(ctx, current); err != nil {
			return err
		}
		updateRefundSummary(locked)
		return tx.SavePayment(ctx, locked)
	})
	if err != nil {
		return nil, err
	}

	if completed != nil {
		s.settlement.refundCompleted(ctx, completed, result)
	}
	return result, nil
}

// GetRefund gets a refund with its payment
func (s *RefundService) GetRefund(ctx context.Context, id uuid.UUID) (*models.Refund, error) {
	refund, err := s.store.GetRefund(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrRefundNotFound
		}
		return nil, err
	}
	return refund, nil
}

// ListPaymentRefunds lists the refunds of one payment, oldest first
func (s *RefundService) ListPaymentRefunds(ctx context.Context, paymentID uuid.UUID) ([]models.Refund, error) {
	return s.store.ListRefundsByPayment(ctx, paymentID)
}

// ListRefunds lists refunds, newest first
func (s *RefundService) ListRefunds(ctx context.Context, filter models.RefundFilter) ([]models.Refund, int64, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}
	if filter.PageSize > 100 {
		filter.PageSize = 100
	}
	return s.store.ListRefunds(ctx, filter)
}

// ExportRefunds returns every refund matching the filter, ignoring pagination
func (s *RefundService) ExportRefunds(ctx context.Context, filter models.RefundFilter) ([]models.Refund, error) {
	filter.Page, filter.PageSize = 0, 0
	refunds, _, err := s.store.ListRefunds(ctx, filter)
	return refunds, err
}

// Statistics aggregates refunds by status, month and payment method
func (s *RefundService) Statistics(ctx context.Context, filter models.RefundFilter) (*models.RefundStatistics, error) {
	refunds, err := s.ExportRefunds(ctx, filter)
	if err != nil {
		return nil, err
	}

	stats := &models.RefundStatistics{
		Total:           models.RefundAggregate{Amount: decimal.Zero},
		ByStatus:        map[string]models.RefundAggregate{},
		ByPaymentMethod: map[string]models.RefundAggregate{},
	}
	months := map[string]models.RefundAggregate{}
	add := func(agg models.RefundAggregate, amount decimal.Decimal) models.RefundAggregate {
		agg.Count++
		agg.Amount = agg.Amount.Add(amount)
		return agg
	}

	for _, r := range refunds {
		stats.Total = add(stats.Total, r.Amount)
		stats.ByStatus[string(r.Status)] = add(stats.ByStatus[string(r.Status)], r.Amount)

		month := r.CreatedAt.UTC().Format("2006-01")
		months[month] = add(months[month], r.Amount)

		method := "unknown"
		if r.Payment != nil && r.Payment.GatewayCode != "" {
			method = r.Payment.GatewayCode
		}
		stats.ByPaymentMethod[method] = add(stats.ByPaymentMethod[method], r.Amount)
	}

	stats.ByMonth = make([]models.MonthlyRefundAggregate, 0, len(months))
	for month, agg := range months {
		stats.ByMonth = append(stats.ByMonth, models.MonthlyRefundAggregate{Month: month, RefundAggregate: agg})
	}
	sort.Slice(stats.ByMonth, func(i, j int) bool { return stats.ByMonth[i].Month < stats.ByMonth[j].Month })
	return stats, nil
}

// findRefund resolves the refund a gateway notification refers to
func (s *RefundService) findRefund(ctx context.Context, n *gateway.Notification) (*models.Refund, error) {
	if id, err := uuid.Parse(n.RefundID); err == nil {
		refund, err := s.store.GetRefund(ctx, id)
		if err == nil {
			return refund, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
	}
	if n.RefundRef != "" {
		refund, err := s.store.GetRefundByGatewayRefundID(ctx, n.RefundRef)
		if err == nil {
			return refund, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrRefundNotFound
}

// lockedRefund returns the payment's own copy of a refund
func lockedRefund(payment *models.Payment, id uuid.UUID) *models.Refund {
	for i := range payment.Refunds {
		if payment.Refunds[i].ID == id {
			return &payment.Refunds[i]
		}
	}
	return nil
}

// syncRefund copies refund into the payment's refund list
func syncRefund(payment *models.Payment, refund *models.Refund) {
	if current := lockedRefund(payment, refund.ID); current != nil {
		if current != refund {
			*current = *refund
		}
		return
	}
	payment.Refunds = append(payment.Refunds, *refund)
}

// updateRefundSummary recomputes the payment's refund_status from completed refunds
func updateRefundSummary(payment *models.Payment) {
	refunded := decimal.Zero
	for _, r := range payment.Refunds {
		if r.Status == models.RefundCompleted {
			refunded = refunded.Add(r.Amount)
		}
	}
	switch {
	case refunded.IsZero():
		payment.RefundStatus = models.RefundSummaryNone
	case refunded.GreaterThanOrEqual(payment.Amount):
		payment.RefundStatus = models.RefundSummaryFull
	default:
		payment.RefundStatus = models.RefundSummaryPartial
	}
}
