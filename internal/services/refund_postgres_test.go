package services

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"payment-core/internal/gateway"
	"payment-core/internal/models"
	"payment-core/internal/repository"
)

// openPool opens an independent connection pool, standing in for a separate service replica
func openPool(t *testing.T, dsn string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func TestRefundService_RowLockAcrossConnectionPools(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	setup := openPool(t, dsn)
	require.NoError(t, setup.AutoMigrate(&models.Payment{}, &models.Refund{}, &models.GatewayConfig{}, &models.WebhookEvent{}))

	replicas := make([]*RefundService, 2)
	for i := range replicas {
		registry := gateway.NewRegistry(nil, nil, gateway.Deps{})
		registry.Register(&fakeAdapter{code: "online", refund: slowRefund(gateway.StatusSuccess)})
		replicas[i] = NewRefundService(repository.NewPaymentRepository(openPool(t, dsn)), registry, nil, nil, 0, log)
	}

	cases := []struct {
		name      string
		amount    string
		requests  int
		succeeded int
		reserved  string
	}{
		{name: "overlapping", amount: "600.00", requests: 2, succeeded: 1, reserved: "600.00"},
		{name: "exact partials", amount: "200.00", requests: 6, succeeded: 5, reserved: "1000.00"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := repository.NewPaymentRepository(setup)
			txn := "TXN-PG-" + tc.name
			payment := &models.Payment{
				Amount:        decimal.NewFromInt(1000),
				Currency:      "BDT",
				GatewayCode:   "online",
				TransactionID: &txn,
				Status:        models.PaymentCompleted,
			}
			require.NoError(t, store.CreatePayment(ctx, payment))

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				succeeded int
			)
			start := make(chan struct{})
			for i := 0; i < tc.requests; i++ {
				wg.Add(1)
				go func(svc *RefundService) {
					defer wg.Done()
					<-start
					result, err := svc.InitiateRefund(ctx, payment, RefundInput{
						Amount: decimal.RequireFromString(tc.amount),
						Reason: "race",
					})
					if !assert.NoError(t, err) {
						return
					}
					if result.Success {
						mu.Lock()
						succeeded++
						mu.Unlock()
					}
				}(replicas[i%len(replicas)])
			}
			close(start)
			wg.Wait()

			assert.Equal(t, tc.succeeded, succeeded)
			final, err := store.GetPayment(ctx, payment.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.reserved, reservedTotal(final).StringFixed(2))
		})
	}
}
