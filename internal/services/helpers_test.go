package services

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"payment-core/internal/gateway"
	"payment-core/internal/models"
	"payment-core/internal/repository"
)

// memStore is an in-memory Store. WithPaymentLock serializes per payment id like a row lock.
type memStore struct {
	mu       sync.Mutex
	payments map[uuid.UUID]models.Payment
	refunds  map[uuid.UUID]models.Refund
	events   map[string]models.WebhookEvent
	configs  map[string]models.GatewayConfig
	locks    map[uuid.UUID]*sync.Mutex
	seq      int
	writes   int
}

var _ repository.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		payments: map[uuid.UUID]models.Payment{},
		refunds:  map[uuid.UUID]models.Refund{},
		events:   map[string]models.WebhookEvent{},
		configs:  map[string]models.GatewayConfig{},
		locks:    map[uuid.UUID]*sync.Mutex{},
	}
}

var storeEpoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func (s *memStore) stamp() time.Time {
	s.seq++
	return storeEpoch.Add(time.Duration(s.seq) * time.Millisecond)
}

func cloneJSONB(m models.JSONB) models.JSONB {
	out := models.JSONB{}
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *memStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *memStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	if payment.InvoiceNumber == "" {
		payment.InvoiceNumber = models.NewInvoiceNumber(storeEpoch)
	}
	if payment.RefundStatus == "" {
		payment.RefundStatus = models.RefundSummaryNone
	}
	payment.CreatedAt = s.stamp()
	payment.UpdatedAt = payment.CreatedAt
	stored := *payment
	stored.Metadata = cloneJSONB(payment.Metadata)
	stored.Refunds = nil
	s.payments[payment.ID] = stored
	s.writes++
	return nil
}

func (s *memStore) paymentLocked(id uuid.UUID) (*models.Payment, error) {
	stored, ok := s.payments[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	payment := stored
	payment.Metadata = cloneJSONB(stored.Metadata)
	payment.Refunds = nil
	for _, r := range s.refunds {
		if r.PaymentID == id {
			r.Metadata = cloneJSONB(r.Metadata)
			payment.Refunds = append(payment.Refunds, r)
		}
	}
	sort.Slice(payment.Refunds, func(i, j int) bool {
		return payment.Refunds[i].CreatedAt.Before(payment.Refunds[j].CreatedAt)
	})
	return &payment, nil
}

func (s *memStore) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paymentLocked(id)
}

func (s *memStore) GetPaymentByInvoice(ctx context.Context, invoiceNumber string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.payments {
		if p.InvoiceNumber == invoiceNumber {
			return s.paymentLocked(id)
		}
	}
	return nil, models.ErrNotFound
}

func (s *memStore) GetPaymentByTransactionID(ctx context.Context, gatewayCode, transactionID string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.payments {
		if p.GatewayCode == gatewayCode && p.TransactionRef() == transactionID {
			return s.paymentLocked(id)
		}
	}
	return nil, models.ErrNotFound
}

func (s *memStore) SavePayment(ctx context.Context, payment *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *payment
	stored.Metadata = cloneJSONB(payment.Metadata)
	stored.Refunds = nil
	s.payments[payment.ID] = stored
	s.writes++
	return nil
}

func (s *memStore) CreateRefund(ctx context.Context, refund *models.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if refund.ID == uuid.Nil {
		refund.ID = uuid.New()
	}
	refund.CreatedAt = s.stamp()
	refund.UpdatedAt = refund.CreatedAt
	stored := *refund
	stored.Metadata = cloneJSONB(refund.Metadata)
	stored.Payment = nil
	s.refunds[refund.ID] = stored
	s.writes++
	return nil
}

func (s *memStore) GetRefund(ctx context.Context, id uuid.UUID) (*models.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.refunds[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	refund := stored
	refund.Metadata = cloneJSONB(stored.Metadata)
	payment := s.payments[stored.PaymentID]
	refund.Payment = &payment
	return &refund, nil
}

func (s *memStore) GetRefundByGatewayRefundID(ctx context.Context, gatewayRefundID string) (*models.Refund, error) {
	s.mu.Lock()
	var id uuid.UUID
	for _, r := range s.refunds {
		if r.GatewayRefundID != nil && *r.GatewayRefundID == gatewayRefundID {
			id = r.ID
		}
	}
	s.mu.Unlock()
	if id == uuid.Nil {
		return nil, models.ErrNotFound
	}
	return s.GetRefund(ctx, id)
}

func (s *memStore) SaveRefund(ctx context.Context, refund *models.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *refund
	stored.Metadata = cloneJSONB(refund.Metadata)
	stored.Payment = nil
	s.refunds[refund.ID] = stored
	s.writes++
	return nil
}

func (s *memStore) ListRefunds(ctx context.Context, filter models.RefundFilter) ([]models.Refund, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []models.Refund
	for _, r := range s.refunds {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.PaymentID != nil && r.PaymentID != *filter.PaymentID {
			continue
		}
		if filter.From != nil && r.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !r.CreatedAt.Before(*filter.To) {
			continue
		}
		payment := s.payments[r.PaymentID]
		r.Payment = &payment
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := int64(len(matched))
	if filter.PageSize > 0 {
		start := filter.Offset()
		if start > len(matched) {
			start = len(matched)
		}
		end := start + filter.PageSize
		if end > len(matched) {
			end = len(matched)
		}
		matched = matched[start:end]
	}
	return matched, total, nil
}

func (s *memStore) ListRefundsByPayment(ctx context.Context, paymentID uuid.UUID) ([]models.Refund, error) {
	payment, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return payment.Refunds, nil
}

func (s *memStore) RecordWebhookEvent(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := event.GatewayCode + "|" + event.EventKey
	s.writes++
	if existing, ok := s.events[key]; ok {
		existing.DeliveryCount++
		s.events[key] = existing
		*event = existing
		return true, nil
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.DeliveryCount = 1
	event.CreatedAt = s.stamp()
	s.events[key] = *event
	return false, nil
}

func (s *memStore) MarkWebhookEventProcessed(ctx context.Context, id uuid.UUID, processingErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.events {
		if e.ID != id {
			continue
		}
		now := s.stamp()
		e.Processed = processingErr == nil
		e.ProcessedAt = &now
		e.ProcessingError = ""
		if processingErr != nil {
			e.ProcessingError = processingErr.Error()
		}
		s.events[key] = e
		s.writes++
	}
	return nil
}

func (s *memStore) event(gatewayCode, eventKey string) (models.WebhookEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[gatewayCode+"|"+eventKey]
	return e, ok
}

func (s *memStore) GetGatewayConfig(ctx context.Context, code string) (*models.GatewayConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[code]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &cfg, nil
}

func (s *memStore) ListActiveGateways(ctx context.Context) ([]models.GatewayConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.GatewayConfig
	for _, cfg := range s.configs {
		if cfg.IsActive {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (s *memStore) WithPaymentLock(ctx context.Context, paymentID uuid.UUID, fn func(tx repository.Store, payment *models.Payment) error) error {
	s.mu.Lock()
	lock, ok := s.locks[paymentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[paymentID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	payment, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	return fn(s, payment)
}

// fakeAdapter is a scriptable gateway
type fakeAdapter struct {
	code       string
	secret     string
	initiate   func(req *gateway.InitiateRequest) (*gateway.RawResponse, error)
	verify     func(ref string) (*gateway.RawResponse, error)
	refund     func(ctx context.Context, req *gateway.RefundRequest) (*gateway.RawResponse, error)
	refundHits int32
	verifyHits int32
}

func (a *fakeAdapter) Code() string            { return a.code }
func (a *fakeAdapter) SignatureHeader() string { return "X-Webhook-Signature" }

func (a *fakeAdapter) Initiate(ctx context.Context, req *gateway.InitiateRequest) (*gateway.RawResponse, error) {
	if a.initiate != nil {
		return a.initiate(req)
	}
	return &gateway.RawResponse{
		HTTPStatus:    201,
		Success:       true,
		TransactionID: "TXN-" + req.InvoiceNumber,
		RedirectURL:   "https://pay.example.com/checkout/" + req.InvoiceNumber,
		Body:          map[string]interface{}{"status": "created"},
	}, nil
}

func (a *fakeAdapter) VerifyStatus(ctx context.Context, ref string) (*gateway.RawResponse, error) {
	atomic.AddInt32(&a.verifyHits, 1)
	if a.verify != nil {
		return a.verify(ref)
	}
	return &gateway.RawResponse{HTTPStatus: 200, Success: true, TransactionID: ref, Status: gateway.StatusSuccess}, nil
}

func (a *fakeAdapter) Refund(ctx context.Context, req *gateway.RefundRequest) (*gateway.RawResponse, error) {
	atomic.AddInt32(&a.refundHits, 1)
	if a.refund != nil {
		return a.refund(ctx, req)
	}
	return &gateway.RawResponse{
		HTTPStatus: 200,
		Success:    true,
		Status:     gateway.StatusSuccess,
		RefundID:   "RF-" + req.RefundID.String()[:8],
	}, nil
}

func (a *fakeAdapter) VerifySignature(payload []byte, signature string) bool {
	return gateway.SignHex(a.secret, payload) == signature
}

// ParseNotification reads a flat JSON payload with the canonical field names
func (a *fakeAdapter) ParseNotification(payload []byte) (*gateway.Notification, error) {
	var body map[string]string
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, err
	}
	n := &gateway.Notification{
		Kind:           gateway.KindPayment,
		EventID:        body["event_id"],
		TransactionRef: body["transaction_id"],
		InvoiceRef:     body["invoice"],
		Status:         body["status"],
	}
	switch {
	case strings.HasPrefix(body["type"], "refund"):
		n.Kind = gateway.KindRefund
		n.RefundRef = body["refund_ref"]
		n.RefundID = body["refund_id"]
	case strings.HasPrefix(body["type"], "customer"):
		n.Kind = gateway.KindIgnored
	}
	return n, nil
}

// MockPublisher is a mock implementation of SettlementPublisher
type MockPublisher struct {
	mock.Mock
}

var _ SettlementPublisher = (*MockPublisher)(nil)

func (m *MockPublisher) PaymentSucceeded(ctx context.Context, payment *models.Payment) error {
	args := m.Called(ctx, payment)
	return args.Error(0)
}

func (m *MockPublisher) PaymentFailed(ctx context.Context, payment *models.Payment, code, message string) error {
	args := m.Called(ctx, payment, code, message)
	return args.Error(0)
}

func (m *MockPublisher) PaymentRefunded(ctx context.Context, payment *models.Payment, refund *models.Refund) error {
	args := m.Called(ctx, payment, refund)
	return args.Error(0)
}

// MockNotifier is a mock implementation of CustomerNotifier
type MockNotifier struct {
	mock.Mock
}

var _ CustomerNotifier = (*MockNotifier)(nil)

func (m *MockNotifier) PaymentConfirmed(ctx context.Context, payment *models.Payment) error {
	args := m.Called(ctx, payment)
	return args.Error(0)
}

func (m *MockNotifier) PaymentFailed(ctx context.Context, payment *models.Payment, reason string) error {
	args := m.Called(ctx, payment, reason)
	return args.Error(0)
}

func (m *MockNotifier) RefundProcessed(ctx context.Context, payment *models.Payment, refund *models.Refund) error {
	args := m.Called(ctx, payment, refund)
	return args.Error(0)
}

type fixture struct {
	store     *memStore
	adapter   *fakeAdapter
	publisher *MockPublisher
	notifier  *MockNotifier
	payments  *PaymentService
	refunds   *RefundService
}

func newFixture() *fixture {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store := newMemStore()
	adapter := &fakeAdapter{code: "online", secret: "whsec"}
	registry := gateway.NewRegistry(nil, nil, gateway.Deps{})
	registry.Register(adapter)

	publisher := &MockPublisher{}
	notifier := &MockNotifier{}
	refunds := NewRefundService(store, registry, publisher, notifier, time.Second, logger)
	payments := NewPaymentService(store, registry, NewWebhookVerifier(registry, logger), refunds, publisher, notifier, "https://api.example.com", logger)

	return &fixture{
		store:     store,
		adapter:   adapter,
		publisher: publisher,
		notifier:  notifier,
		payments:  payments,
		refunds:   refunds,
	}
}

// seedPayment stores a payment of amount in status with a gateway transaction id
func (f *fixture) seedPayment(amount string, status models.PaymentStatus) *models.Payment {
	txn := "TXN-" + uuid.NewString()[:8]
	payment := &models.Payment{
		Amount:        decimal.RequireFromString(amount),
		Currency:      "BDT",
		GatewayCode:   "online",
		TransactionID: &txn,
		Status:        status,
	}
	if err := f.store.CreatePayment(context.Background(), payment); err != nil {
		panic(err)
	}
	return payment
}

// seedRefund stores a refund against payment
func (f *fixture) seedRefund(payment *models.Payment, amount string, status models.RefundStatus) *models.Refund {
	refund := &models.Refund{
		PaymentID: payment.ID,
		Amount:    decimal.RequireFromString(amount),
		Currency:  payment.Currency,
		Status:    status,
	}
	if err := f.store.CreateRefund(context.Background(), refund); err != nil {
		panic(err)
	}
	return refund
}

func (f *fixture) reload(id uuid.UUID) *models.Payment {
	payment, err := f.store.GetPayment(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return payment
}

func (f *fixture) expectSettlement() {
	f.publisher.On("PaymentSucceeded", mock.Anything, mock.Anything).Return(nil)
	f.publisher.On("PaymentFailed", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.publisher.On("PaymentRefunded", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.notifier.On("PaymentConfirmed", mock.Anything, mock.Anything).Return(nil)
	f.notifier.On("PaymentFailed", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.notifier.On("RefundProcessed", mock.Anything, mock.Anything, mock.Anything).Return(nil)
}
