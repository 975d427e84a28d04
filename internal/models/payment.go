package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrNotFound is returned by the repository when a record does not exist
var ErrNotFound = errors.New("record not found")

// PaymentStatus represents the canonical payment status
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCancelled  PaymentStatus = "cancelled"
	PaymentExpired    PaymentStatus = "expired"
	PaymentRefunded   PaymentStatus = "refunded"
)

// IsTerminal reports whether no further transition is expected
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentCompleted, PaymentFailed, PaymentCancelled, PaymentExpired, PaymentRefunded:
		return true
	}
	return false
}

// RefundStatus represents the refund lifecycle status
type RefundStatus string

const (
	RefundPending    RefundStatus = "pending"
	RefundProcessing RefundStatus = "processing"
	RefundCompleted  RefundStatus = "completed"
	RefundFailed     RefundStatus = "failed"
	RefundCancelled  RefundStatus = "cancelled"
)

// IsTerminal reports whether the refund reached a final state
func (s RefundStatus) IsTerminal() bool {
	return s == RefundCompleted || s == RefundFailed || s == RefundCancelled
}

// InFlight reports whether the refund is still waiting on the gateway
func (s RefundStatus) InFlight() bool {
	return s == RefundPending || s == RefundProcessing
}

// ReservesBalance reports whether the refund amount counts against the refundable balance
func (s RefundStatus) ReservesBalance() bool {
	return s.InFlight() || s == RefundCompleted
}

// PaymentRefundStatus summarises the refunds issued against a payment
type PaymentRefundStatus string

const (
	RefundSummaryNone    PaymentRefundStatus = "none"
	RefundSummaryPartial PaymentRefundStatus = "partially_refunded"
	RefundSummaryFull    PaymentRefundStatus = "fully_refunded"
)

// JSONB custom type for PostgreSQL
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]interface{}(j))
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
	if len(data) == 0 {
		*j = make(map[string]interface{})
		return nil
	}
	return json.Unmarshal(data, j)
}

func (j JSONB) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]interface{}(j))
}

func (j *JSONB) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*j = JSONB(m)
	return nil
}

// Payment is the financial record of a single payment attempt
type Payment struct {
	ID            uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	InvoiceNumber string              `gorm:"type:varchar(64);not null;uniqueIndex:idx_payments_invoice" json:"invoice_number"`
	Amount        decimal.Decimal     `gorm:"type:decimal(14,2);not null" json:"amount"`
	Currency      string              `gorm:"type:varchar(3);not null;default:'BDT'" json:"currency"`
	GatewayCode   string              `gorm:"type:varchar(50);not null;index:idx_payments_gateway_txn" json:"gateway_code"`
	TransactionID *string             `gorm:"type:varchar(255);index:idx_payments_gateway_txn" json:"transaction_id,omitempty"`
	Status        PaymentStatus       `gorm:"type:varchar(30);not null;index:idx_payments_status" json:"status"`
	RefundStatus  PaymentRefundStatus `gorm:"type:varchar(30);not null;default:'none'" json:"refund_status"`

	// Customer info
	CustomerName  string `gorm:"type:varchar(255)" json:"customer_name,omitempty"`
	CustomerEmail string `gorm:"type:varchar(255)" json:"customer_email,omitempty"`
	CustomerPhone string `gorm:"type:varchar(32)" json:"customer_phone,omitempty"`
	Description   string `gorm:"type:text" json:"description,omitempty"`

	// Gateway audit trail (init_response, callback_data, webhook_data, verification_response)
	Metadata JSONB `gorm:"type:jsonb" json:"metadata,omitempty"`

	CreatedBy   string     `gorm:"type:varchar(255)" json:"created_by,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"index:idx_payments_created" json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Relationships
	Refunds []Refund `gorm:"foreignKey:PaymentID" json:"refunds,omitempty"`
}

// TableName specifies the table name for Payment
func (Payment) TableName() string {
	return "payments"
}

// BeforeCreate assigns identifiers the caller did not provide
func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.InvoiceNumber == "" {
		p.InvoiceNumber = NewInvoiceNumber(time.Now())
	}
	if p.RefundStatus == "" {
		p.RefundStatus = RefundSummaryNone
	}
	if p.Metadata == nil {
		p.Metadata = JSONB{}
	}
	return nil
}

// TransactionRef returns the gateway transaction id or an empty string
func (p *Payment) TransactionRef() string {
	if p.TransactionID == nil {
		return ""
	}
	return *p.TransactionID
}

// SetMetadata writes a metadata key, replacing any previous value
func (p *Payment) SetMetadata(key string, value interface{}) {
	if p.Metadata == nil {
		p.Metadata = JSONB{}
	}
	p.Metadata[key] = value
}

// NewInvoiceNumber builds a human readable, unique invoice reference
func NewInvoiceNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("INV-%s-%s", now.UTC().Format("20060102"), suffix)
}

// Refund is a (partial) return of a completed payment
type Refund struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	PaymentID       uuid.UUID       `gorm:"type:uuid;not null;index:idx_refunds_payment" json:"payment_id"`
	Amount          decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"`
	Currency        string          `gorm:"type:varchar(3);not null" json:"currency"`
	Status          RefundStatus    `gorm:"type:varchar(30);not null;index:idx_refunds_status" json:"status"`
	Reason          string          `gorm:"type:text" json:"reason,omitempty"`
	RequestedBy     string          `gorm:"type:varchar(255)" json:"requested_by,omitempty"`
	ProcessedBy     string          `gorm:"type:varchar(255)" json:"processed_by,omitempty"`
	GatewayRefundID *string         `gorm:"type:varchar(255);index:idx_refunds_gateway_refund" json:"gateway_refund_id,omitempty"`

	// Failure details
	FailureCode   string `gorm:"type:varchar(100)" json:"failure_code,omitempty"`
	FailureReason string `gorm:"type:text" json:"failure_reason,omitempty"`

	Metadata    JSONB      `gorm:"type:jsonb" json:"metadata,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"index:idx_refunds_created" json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Relationships
	Payment *Payment `gorm:"foreignKey:PaymentID" json:"payment,omitempty"`
}

// TableName specifies the table name for Refund
func (Refund) TableName() string {
	return "refunds"
}

// BeforeCreate assigns the refund id
func (r *Refund) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Metadata == nil {
		r.Metadata = JSONB{}
	}
	return nil
}

// SetMetadata writes a metadata key, replacing any previous value
func (r *Refund) SetMetadata(key string, value interface{}) {
	if r.Metadata == nil {
		r.Metadata = JSONB{}
	}
	r.Metadata[key] = value
}

// GatewayConfig is the read-only gateway configuration owned by the admin side
type GatewayConfig struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Code                string    `gorm:"type:varchar(50);not null;uniqueIndex:idx_gateway_configs_code" json:"code"`
	DisplayName         string    `gorm:"type:varchar(255);not null" json:"display_name"`
	IsActive            bool      `gorm:"default:true;index:idx_gateway_configs_active" json:"is_active"`
	IsSandbox           bool      `gorm:"default:true" json:"is_sandbox"`
	BaseURL             string    `gorm:"type:varchar(500)" json:"-"`
	Credentials         JSONB     `gorm:"type:jsonb" json:"-"` // Never expose in JSON
	CallbackURLTemplate string    `gorm:"type:varchar(500)" json:"-"`
	Priority            int       `gorm:"default:0" json:"priority"`
	LogoURL             string    `gorm:"type:varchar(500)" json:"logo_url,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// TableName specifies the table name for GatewayConfig
func (GatewayConfig) TableName() string {
	return "gateway_configs"
}

// BeforeCreate assigns the config id
func (g *GatewayConfig) BeforeCreate(tx *gorm.DB) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	return nil
}

// Credential returns a credential value as a string
func (g *GatewayConfig) Credential(key string) string {
	if g.Credentials == nil {
		return ""
	}
	switch v := g.Credentials[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// CallbackURL renders the callback template for a payment
func (g *GatewayConfig) CallbackURL(paymentID uuid.UUID, invoice string) string {
	r := strings.NewReplacer("{payment}", paymentID.String(), "{invoice}", invoice, "{gateway}", g.Code)
	return r.Replace(g.CallbackURLTemplate)
}
