package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"payment-core/internal/gateway"
	"payment-core/internal/models"
)

// raceRefunds fires n refunds of amount at the same payment at once
func raceRefunds(t *testing.T, f *fixture, payment *models.Payment, n int, amount string) []*RefundResult {
	t.Helper()
	results := make([]*RefundResult, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			// Every caller works from the same stale snapshot, as separate requests would
			snapshot := f.reload(payment.ID)
			result, err := f.refunds.InitiateRefund(context.Background(), snapshot, RefundInput{
				Amount: decimal.RequireFromString(amount),
				Reason: "customer request",
				Actor:  "staff-1",
			})
			assert.NoError(t, err)
			results[i] = result
		}(i)
	}
	close(start)
	wg.Wait()
	return results
}

func reservedTotal(payment *models.Payment) decimal.Decimal {
	total := decimal.Zero
	for _, r := range payment.Refunds {
		if r.Status.ReservesBalance() {
			total = total.Add(r.Amount)
		}
	}
	return total
}

func slowRefund(status string) func(ctx context.Context, req *gateway.RefundRequest) (*gateway.RawResponse, error) {
	return func(ctx context.Context, req *gateway.RefundRequest) (*gateway.RawResponse, error) {
		time.Sleep(20 * time.Millisecond)
		return &gateway.RawResponse{HTTPStatus: 200, Success: true, Status: status, RefundID: "RF-" + req.RefundID.String()[:8]}, nil
	}
}

func TestRefundService_ConcurrentRefundsExceedingBalance(t *testing.T) {
	f := newFixture()
	f.expectSettlement()
	f.adapter.refund = slowRefund(gateway.StatusSuccess)
	payment := f.seedPayment("1000.00", models.PaymentCompleted)

	results := raceRefunds(t, f, payment, 2, "600.00")

	succeeded, rejected := 0, 0
	for _, r := range results {
		if r.Success {
			succeeded++
		} else {
			rejected++
			assert.Equal(t, "Maximum refundable amount is 400.00", r.Message)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)

	final := f.reload(payment.ID)
	assert.True(t, reservedTotal(final).Equal(decimal.NewFromInt(600)))
	assert.Equal(t, models.RefundSummaryPartial, final.RefundStatus)
	assert.Equal(t, int32(1), f.adapter.refundHits)
}

func TestRefundService_ConcurrentHalfRefundsWhileGatewayPending(t *testing.T) {
	f := newFixture()
	f.expectSettlement()
	f.adapter.refund = slowRefund(gateway.StatusPending)
	payment := f.seedPayment("1000.00", models.PaymentCompleted)

	results := raceRefunds(t, f, payment, 2, "500.00")

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
			assert.Equal(t, models.RefundProcessing, r.Refund.Status)
		} else {
			assert.Equal(t, MsgRefundInFlight, r.Message)
		}
	}
	assert.Equal(t, 1, succeeded)

	final := f.reload(payment.ID)
	assert.True(t, reservedTotal(final).Equal(decimal.NewFromInt(500)))
	f.publisher.AssertNotCalled(t, "PaymentRefunded", mock.Anything, mock.Anything, mock.Anything)
}

func TestRefundService_PartialRefundsCoverFullAmount(t *testing.T) {
	f := newFixture()
	f.expectSettlement()
	f.adapter.refund = slowRefund(gateway.StatusSuccess)
	payment := f.seedPayment("1000.00", models.PaymentCompleted)

	results := raceRefunds(t, f, payment, 5, "200.00")
	for _, r := range results {
		assert.True(t, r.Success, r.Message)
		assert.Equal(t, models.RefundCompleted, r.Refund.Status)
	}

	final := f.reload(payment.ID)
	assert.True(t, reservedTotal(final).Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, models.RefundSummaryFull, final.RefundStatus)
	assert.True(t, f.refunds.GetRefundableAmount(final).IsZero())
	f.publisher.AssertNumberOfCalls(t, "PaymentRefunded", 5)
}

func TestRefundService_SequentialHalves(t *testing.T) {
	f := newFixture()
	f.expectSettlement()
	payment := f.seedPayment("1000.00", models.PaymentCompleted)
	ctx := context.Background()

	first, err := f.refunds.InitiateRefund(ctx, f.reload(payment.ID), RefundInput{Amount: decimal.NewFromInt(500), Reason: "damaged"})
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, models.RefundSummaryPartial, f.reload(payment.ID).RefundStatus)

	second, err := f.refunds.InitiateRefund(ctx, f.reload(payment.ID), RefundInput{Amount: decimal.NewFromInt(500), Reason: "damaged"})
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, models.RefundSummaryFull, f.reload(payment.ID).RefundStatus)

	third, err := f.refunds.InitiateRefund(ctx, f.reload(payment.ID), RefundInput{Amount: decimal.RequireFromString("0.01"), Reason: "damaged"})
	require.NoError(t, err)
	assert.False(t, third.Success)
	assert.Equal(t, "Maximum refundable amount is 0.00", third.Message)
}

func TestRefundService_OverflowReportsRemainingBalance(t *testing.T) {
	f := newFixture()
	payment := f.seedPayment("1000.00", models.PaymentCompleted)
	f.seedRefund(payment, "300.00", models.RefundCompleted)

	result, err := f.refunds.InitiateRefund(context.Background(), f.reload(payment.ID), RefundInput{
		Amount: decimal.NewFromInt(800),
		Reason: "customer request",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "Maximum refundable amount is 700.00", result.Message)
	assert.Equal(t, int32(0), f.adapter.refundHits)
	assert.Len(t, f.reload(payment.ID).Refunds, 1)
}

func TestRefundService_FailedAndCancelledRefundsReleaseBalance(t *testing.T) {
	f := newFixture()
	payment := f.seedPayment("1000.00", models.PaymentCompleted)
	f.seedRefund(payment, "400.00", models.RefundFailed)
	f.seedRefund(payment, "400.00", models.RefundCancelled)
	f.seedRefund(payment, "250.00", models.RefundCompleted)

	assert.Equal(t, "750.00", f.refunds.GetRefundableAmount(f.reload(payment.ID)).StringFixed(2))
}

func TestRefundService_IneligiblePayment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for _, status := range []models.PaymentStatus{models.PaymentFailed, models.PaymentPending, models.PaymentProcessing} {
		payment := f.seedPayment("1000.00", status)
		for _, amount := range []string{"1.00", "500.00", "5000.00"} {
			result, err := f.refunds.InitiateRefund(ctx, f.reload(payment.ID), RefundInput{Amount: decimal.RequireFromString(amount), Reason: "x"})
			require.NoError(t, err)
			assert.False(t, result.Success)
			assert.Equal(t, MsgRefundNotEligible, result.Message, "status %s amount %s", status, amount)
		}
	}
	assert.Equal(t, int32(0), f.adapter.refundHits)
}

func TestRefundService_InvalidAmount(t *testing.T) {
	f := newFixture()
	payment := f.seedPayment("1000.00", models.PaymentCompleted)

	for _, amount := range []string{"0", "-10", "0.001"} {
		result, err := f.refunds.InitiateRefund(context.Background(), payment, RefundInput{Amount: decimal.RequireFromString(amount)})
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, MsgRefundAmountInvalid, result.Message)
	}
}

func TestRefundService_GatewayRejection(t *testing.T) {
	f := newFixture()
	f.adapter.refund = func(ctx context.Context, req *gateway.RefundRequest) (*gateway.RawResponse, error) {
		return &gateway.RawResponse{
			HTTPStatus:   422,
			ErrorMessage: "insufficient merchant balance",
			Body:         map[string]interface{}{"message": "insufficient merchant balance"},
		}, nil
	}
	payment := f.seedPayment("1000.00", models.PaymentCompleted)

	result, err := f.refunds.InitiateRefund(context.Background(), payment, RefundInput{Amount: decimal.NewFromInt(100), Reason: "x", Actor: "staff-1"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "Failed to process refund: insufficient merchant balance", result.Message)
	assert.Equal(t, models.RefundFailed, result.Refund.Status)
	assert.Equal(t, "gateway_rejected", result.Refund.FailureCode)
	assert.NotNil(t, result.Refund.Metadata["gateway_response"])

	final := f.reload(payment.ID)
	assert.Equal(t, models.RefundSummaryNone, final.RefundStatus)
	assert.Equal(t, "1000.00", f.refunds.GetRefundableAmount(final).StringFixed(2))
}

func TestRefundService_GatewayTimeout(t *testing.T) {
	f := newFixture()
	f.refunds.timeout = 20 * time.Millisecond
	f.adapter.refund = func(ctx context.Context, req *gateway.RefundRequest) (*gateway.RawResponse, error) {
		<-ctx.Done()
		return nil, gateway.ErrGatewayTimeout
	}
	payment := f.seedPayment("1000.00", models.PaymentCompleted)

	result, err := f.refunds.InitiateRefund(context.Background(), payment, RefundInput{Amount: decimal.NewFromInt(100), Reason: "x"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, models.RefundFailed, result.Refund.Status)
	assert.Equal(t, "GatewayTimeout", result.Refund.FailureCode)

	// The lock was released: another refund goes through
	f.adapter.refund = nil
	f.expectSettlement()
	next, err := f.refunds.InitiateRefund(context.Background(), f.reload(payment.ID), RefundInput{Amount: decimal.NewFromInt(100), Reason: "x"})
	require.NoError(t, err)
	assert.True(t, next.Success)
}

func TestRefundService_DeferredThenProcessed(t *testing.T) {
	f := newFixture()
	f.expectSettlement()
	payment := f.seedPayment("1000.00", models.PaymentCompleted)
	ctx := context.Background()

	created, err := f.refunds.InitiateRefund(ctx, payment, RefundInput{
		Amount:   decimal.NewFromInt(250),
		Reason:   "return",
		Actor:    "agent-7",
		Deferred: true,
		Metadata: map[string]interface{}{"ticket": "SUP-12"},
	})
	require.NoError(t, err)
	require.True(t, created.Success)
	assert.Equal(t, models.RefundPending, created.Refund.Status)
	assert.Equal(t, "SUP-12", created.Refund.Metadata["ticket"])
	assert.Equal(t, int32(0), f.adapter.refundHits)

	// The pending refund holds its share of the balance
	assert.Equal(t, "750.00", f.refunds.GetRefundableAmount(f.reload(payment.ID)).StringFixed(2))

	processed, err := f.refunds.ProcessRefund(ctx, created.Refund.ID, "manager-1")
	require.NoError(t, err)
	assert.True(t, processed.Success)
	assert.Equal(t, models.RefundCompleted, processed.Refund.Status)
	assert.Equal(t, "manager-1", processed.Refund.ProcessedBy)
	assert.NotNil(t, processed.Refund.GatewayRefundID)

	_, err = f.refunds.ProcessRefund(ctx, created.Refund.ID, "manager-1")
	assert.ErrorIs(t, err, ErrRefundNotPending)
	assert.Equal(t, "Only pending refunds can be processed", ErrRefundNotPending.Error())
}

func TestRefundService_CancelOnlyPending(t *testing.T) {
	f := newFixture()
	payment := f.seedPayment("1000.00", models.PaymentCompleted)
	pending := f.seedRefund(payment, "100.00", models.RefundPending)
	completed := f.seedRefund(payment, "200.00", models.RefundCompleted)
	failed := f.seedRefund(payment, "50.00", models.RefundFailed)
	ctx := context.Background()

	writes := f.store.Writes()
	for _, r := range []*models.Refund{completed, failed} {
		ok, current, err := f.refunds.CancelRefund(ctx, r.ID, "changed mind", "staff-1")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, r.Status, current.Status)
	}
	assert.Equal(t, writes, f.store.Writes(), "rejected cancellations write nothing")

	ok, cancelled, err := f.refunds.CancelRefund(ctx, pending.ID, "changed mind", "staff-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.RefundCancelled, cancelled.Status)
	assert.Equal(t, "changed mind", cancelled.Metadata["cancellation_reason"])
	assert.Equal(t, "staff-1", cancelled.Metadata["cancelled_by"])
	assert.NotEmpty(t, cancelled.Metadata["cancelled_at"])

	ok, _, err = f.refunds.CancelRefund(ctx, pending.ID, "again", "staff-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefundService_ApplyRefundNotification(t *testing.T) {
	f := newFixture()
	f.expectSettlement()
	f.adapter.refund = slowRefund(gateway.StatusPending)
	payment := f.seedPayment("1000.00", models.PaymentCompleted)
	ctx := context.Background()

	result, err := f.refunds.InitiateRefund(ctx, payment, RefundInput{Amount: decimal.NewFromInt(300), Reason: "x"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, models.RefundProcessing, result.Refund.Status)
	gatewayRef := *result.Refund.GatewayRefundID

	refund, err := f.refunds.ApplyRefundNotification(ctx, "online", &gateway.Notification{
		Kind:      gateway.KindRefund,
		RefundRef: gatewayRef,
		Status:    gateway.StatusSuccess,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RefundCompleted, refund.Status)
	assert.Equal(t, models.RefundSummaryPartial, f.reload(payment.ID).RefundStatus)

	// A late failure notice does not regress a completed refund
	refund, err = f.refunds.ApplyRefundNotification(ctx, "online", &gateway.Notification{
		Kind:     gateway.KindRefund,
		RefundID: result.Refund.ID.String(),
		Status:   gateway.StatusFailed,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RefundCompleted, refund.Status)
	f.publisher.AssertNumberOfCalls(t, "PaymentRefunded", 1)

	_, err = f.refunds.ApplyRefundNotification(ctx, "online", &gateway.Notification{Kind: gateway.KindRefund, RefundRef: "unknown"})
	assert.ErrorIs(t, err, ErrRefundNotFound)
}

func TestRefundService_Statistics(t *testing.T) {
	f := newFixture()
	p1 := f.seedPayment("1000.00", models.PaymentCompleted)
	p2 := f.seedPayment("500.00", models.PaymentCompleted)
	f.seedRefund(p1, "100.00", models.RefundCompleted)
	f.seedRefund(p1, "50.00", models.RefundFailed)
	f.seedRefund(p2, "25.50", models.RefundCompleted)

	stats, err := f.refunds.Statistics(context.Background(), models.RefundFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total.Count)
	assert.Equal(t, "175.50", stats.Total.Amount.StringFixed(2))
	assert.Equal(t, int64(2), stats.ByStatus["completed"].Count)
	assert.Equal(t, "125.50", stats.ByStatus["completed"].Amount.StringFixed(2))
	assert.Equal(t, int64(1), stats.ByStatus["failed"].Count)
	assert.Equal(t, int64(3), stats.ByPaymentMethod["online"].Count)
	require.Len(t, stats.ByMonth, 1)
	assert.Equal(t, "2026-03", stats.ByMonth[0].Month)

	list, total, err := f.refunds.ListRefunds(context.Background(), models.RefundFilter{Status: models.RefundCompleted})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, list, 2)
}
