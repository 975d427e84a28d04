package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"payment-core/internal/models"
)

// Store is the persistence boundary of the payment core
type Store interface {
	// Payments
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	GetPaymentByInvoice(ctx context.Context, invoiceNumber string) (*models.Payment, error)
	GetPaymentByTransactionID(ctx context.Context, gatewayCode, transactionID string) (*models.Payment, error)
	SavePayment(ctx context.Context, payment *models.Payment) error

	// Refunds
	CreateRefund(ctx context.Context, refund *models.Refund) error
	GetRefund(ctx context.Context, id uuid.UUID) (*models.Refund, error)
	GetRefundByGatewayRefundID(ctx context.Context, gatewayRefundID string) (*models.Refund, error)
	SaveRefund(ctx context.Context, refund *models.Refund) error
	ListRefunds(ctx context.Context, filter models.RefundFilter) ([]models.Refund, int64, error)
	ListRefundsByPayment(ctx context.Context, paymentID uuid.UUID) ([]models.Refund, error)

	// Webhook delivery log
	RecordWebhookEvent(ctx context.Context, event *models.WebhookEvent) (duplicate bool, err error)
	MarkWebhookEventProcessed(ctx context.Context, id uuid.UUID, processingErr error) error

	// Gateway configuration (read only)
	GetGatewayConfig(ctx context.Context, code string) (*models.GatewayConfig, error)
	ListActiveGateways(ctx context.Context) ([]models.GatewayConfig, error)

	// WithPaymentLock runs fn in a transaction holding the payment row lock. The payment is
	// loaded with its refunds; tx must be used for every write inside fn.
	WithPaymentLock(ctx context.Context, paymentID uuid.UUID, fn func(tx Store, payment *models.Payment) error) error
}

// PaymentRepository handles payment data operations
type PaymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

var _ Store = (*PaymentRepository)(nil)

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ErrNotFound
	}
	return err
}

// CreatePayment inserts a new payment
func (r *PaymentRepository) CreatePayment(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(payment).Error
}

// GetPayment gets a payment by ID with its refunds
func (r *PaymentRepository) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Preload("Refunds", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		First(&payment, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &payment, nil
}

// GetPaymentByInvoice gets a payment by its invoice number
func (r *PaymentRepository) GetPaymentByInvoice(ctx context.Context, invoiceNumber string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Preload("Refunds", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		Where("invoice_number = ?", invoiceNumber).First(&payment).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &payment, nil
}

// GetPaymentByTransactionID gets a payment by the gateway's transaction id
func (r *PaymentRepository) GetPaymentByTransactionID(ctx context.Context, gatewayCode, transactionID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Where("gateway_code = ? AND transaction_id = ?", gatewayCode, transactionID).
		Order("created_at DESC").
		First(&payment).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &payment, nil
}

// SavePayment updates a payment. Refunds are persisted separately.
func (r *PaymentRepository) SavePayment(ctx context.Context, payment *models.Payment) error {
	payment.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(payment).Error
}

// CreateRefund inserts a refund
func (r *PaymentRepository) CreateRefund(ctx context.Context, refund *models.Refund) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(refund).Error
}

// GetRefund gets a refund by ID with its payment
func (r *PaymentRepository) GetRefund(ctx context.Context, id uuid.UUID) (*models.Refund, error) {
	var refund models.Refund
	err := r.db.WithContext(ctx).Preload("Payment").First(&refund, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &refund, nil
}

// GetRefundByGatewayRefundID gets a refund by the gateway's refund id
func (r *PaymentRepository) GetRefundByGatewayRefundID(ctx context.Context, gatewayRefundID string) (*models.Refund, error) {
	var refund models.Refund
	err := r.db.WithContext(ctx).Where("gateway_refund_id = ?", gatewayRefundID).First(&refund).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &refund, nil
}

// SaveRefund updates a refund
func (r *PaymentRepository) SaveRefund(ctx context.Context, refund *models.Refund) error {
	refund.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(refund).Error
}

// ListRefunds lists refunds matching the filter, newest first. A zero PageSize returns every match.
func (r *PaymentRepository) ListRefunds(ctx context.Context, filter models.RefundFilter) ([]models.Refund, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Refund{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.PaymentID != nil {
		query = query.Where("payment_id = ?", *filter.PaymentID)
	}
	if filter.From != nil {
		query = query.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("created_at < ?", *filter.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var refunds []models.Refund
	query = query.Preload("Payment").Order("created_at DESC")
	if filter.PageSize > 0 {
		query = query.Limit(filter.PageSize).Offset(filter.Offset())
	}
	if err := query.Find(&refunds).Error; err != nil {
		return nil, 0, err
	}
	return refunds, total, nil
}

// ListRefundsByPayment lists all refunds of a payment, oldest first
func (r *PaymentRepository) ListRefundsByPayment(ctx context.Context, paymentID uuid.UUID) ([]models.Refund, error) {
	var refunds []models.Refund
	err := r.db.WithContext(ctx).Where("payment_id = ?", paymentID).Order("created_at ASC").Find(&refunds).Error
	if err != nil {
		return nil, err
	}
	return refunds, nil
}

// RecordWebhookEvent stores a notification in the delivery log. A repeated delivery of the
// same event bumps delivery_count and loads the existing row into event.
func (r *PaymentRepository) RecordWebhookEvent(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "gateway_code"}, {Name: "event_key"}},
		DoNothing: true,
	}).Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return false, nil
	}

	err := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("gateway_code = ? AND event_key = ?", event.GatewayCode, event.EventKey).
		UpdateColumn("delivery_count", gorm.Expr("delivery_count + 1")).Error
	if err != nil {
		return true, err
	}

	var existing models.WebhookEvent
	err = r.db.WithContext(ctx).
		Where("gateway_code = ? AND event_key = ?", event.GatewayCode, event.EventKey).
		First(&existing).Error
	if err != nil {
		return true, notFound(err)
	}
	*event = existing
	return true, nil
}

// MarkWebhookEventProcessed records the processing outcome of a logged notification
func (r *PaymentRepository) MarkWebhookEventProcessed(ctx context.Context, id uuid.UUID, processingErr error) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed":        processingErr == nil,
		"processed_at":     &now,
		"processing_error": "",
	}
	if processingErr != nil {
		updates["processing_error"] = processingErr.Error()
	}
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

// GetGatewayConfig gets a gateway configuration by code
func (r *PaymentRepository) GetGatewayConfig(ctx context.Context, code string) (*models.GatewayConfig, error) {
	var config models.GatewayConfig
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&config).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &config, nil
}

// ListActiveGateways lists enabled gateways by priority
func (r *PaymentRepository) ListActiveGateways(ctx context.Context) ([]models.GatewayConfig, error) {
	var configs []models.GatewayConfig
	err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("priority ASC, display_name ASC").Find(&configs).Error
	if err != nil {
		return nil, err
	}
	return configs, nil
}

// WithPaymentLock locks the payment row with SELECT ... FOR UPDATE for the duration of fn.
// Other transactions asking for the same lock block until this one commits or rolls back.
func (r *PaymentRepository) WithPaymentLock(ctx context.Context, paymentID uuid.UUID, fn func(tx Store, payment *models.Payment) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payment models.Payment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&payment, "id = ?", paymentID).Error; err != nil {
			return notFound(err)
		}
		if err := tx.Where("payment_id = ?", paymentID).Order("created_at ASC").Find(&payment.Refunds).Error; err != nil {
			return err
		}
		return fn(&PaymentRepository{db: tx}, &payment)
	})
}
