package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JSONB is a map type stored as a Postgres jsonb column
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
// Returns JSON as string for compatibility with pgx simple protocol mode
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	bytes, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// PaymentEventType represents the type of payment event
type PaymentEventType string

const (
	PaymentEventChargeInitiated  PaymentEventType = "charge_initiated"
	PaymentEventChargeResponse   PaymentEventType = "charge_response"
	PaymentEventWebhookReceived  PaymentEventType = "webhook_received"
	PaymentEventSuccess          PaymentEventType = "payment_success"
	PaymentEventFailed           PaymentEventType = "payment_failed"
	PaymentEventRefundInitiated  PaymentEventType = "refund_initiated"
	PaymentEventRefundCompleted  PaymentEventType = "refund_completed"
	PaymentEventRefundReconciled PaymentEventType = "refund_reconciled"
	PaymentEventTransferCreated  PaymentEventType = "transfer_created"
	PaymentEventTransferFailed   PaymentEventType = "transfer_failed"
	PaymentEventError            PaymentEventType = "error"
)

// PaymentEventSource identifies where the event originated
type PaymentEventSource string

const (
	PaymentSourceBackend       PaymentEventSource = "backend"
	PaymentSourceStripeWebhook PaymentEventSource = "stripe_webhook"
	PaymentSourceStripeAPI     PaymentEventSource = "stripe_api"
	PaymentSourceUser          PaymentEventSource = "user"
	PaymentSourceSystem        PaymentEventSource = "system"
)

// PaymentAudit represents an immutable audit log entry for payment events
type PaymentAudit struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	BookingID       *uuid.UUID `json:"booking_id,omitempty" db:"booking_id"`
	PaymentIntentID *string    `json:"payment_intent_id,omitempty" db:"payment_intent_id"`
	ProviderEventID *string    `json:"provider_event_id,omitempty" db:"provider_event_id"`

	// Event info
	EventType   PaymentEventType   `json:"event_type" db:"event_type"`
	EventSource PaymentEventSource `json:"event_source" db:"event_source"`

	// Amount tracking
	ExpectedAmount *float64 `json:"expected_amount,omitempty" db:"expected_amount"`
	ReceivedAmount *float64 `json:"received_amount,omitempty" db:"received_amount"`
	Currency       *string  `json:"currency,omitempty" db:"currency"`
	AmountsMatch   *bool    `json:"amounts_match,omitempty" db:"amounts_match"`

	// Status
	PaymentStatus *string `json:"payment_status,omitempty" db:"payment_status"`
	GatewayRef    *string `json:"gateway_ref,omitempty" db:"gateway_ref"`

	// Raw payloads
	RequestPayload  JSONB   `json:"request_payload,omitempty" db:"request_payload"`
	ResponsePayload JSONB   `json:"response_payload,omitempty" db:"response_payload"`
	RawBody         *string `json:"raw_body,omitempty" db:"raw_body"`

	// HTTP details
	HTTPStatusCode *int    `json:"http_status_code,omitempty" db:"http_status_code"`
	HTTPMethod     *string `json:"http_method,omitempty" db:"http_method"`
	EndpointURL    *string `json:"endpoint_url,omitempty" db:"endpoint_url"`

	// Error tracking
	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`
	ErrorCode    *string `json:"error_code,omitempty" db:"error_code"`

	// Processing info
	ProcessingTimeMs *int    `json:"processing_time_ms,omitempty" db:"processing_time_ms"`
	IsDuplicate      bool    `json:"is_duplicate" db:"is_duplicate"`
	IdempotencyKey   *string `json:"idempotency_key,omitempty" db:"idempotency_key"`

	// Metadata
	IPAddress     *string `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent     *string `json:"user_agent,omitempty" db:"user_agent"`
	CorrelationID *string `json:"correlation_id,omitempty" db:"correlation_id"`

	// Timestamps
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty" db:"processed_at"`
}

// NewPaymentAudit creates a new payment audit entry with required fields
func NewPaymentAudit(eventType PaymentEventType, source PaymentEventSource) *PaymentAudit {
	return &PaymentAudit{
		ID:          uuid.New(),
		EventType:   eventType,
		EventSource: source,
		CreatedAt:   time.Now(),
		IsDuplicate: false,
	}
}

// SetBooking sets the booking ID for the audit
func (pa *PaymentAudit) SetBooking(bookingID uuid.UUID) *PaymentAudit {
	pa.BookingID = &bookingID
	return pa
}

// SetPaymentIntent sets the Stripe payment intent reference
func (pa *PaymentAudit) SetPaymentIntent(intentID string) *PaymentAudit {
	pa.PaymentIntentID = &intentID
	return pa
}

// SetProviderEvent sets the Stripe webhook event ID
func (pa *PaymentAudit) SetProviderEvent(eventID string) *PaymentAudit {
	pa.ProviderEventID = &eventID
	return pa
}

// SetAmounts sets and verifies amounts - returns whether they match
func (pa *PaymentAudit) SetAmounts(expected, received float64, currency string) bool {
	pa.ExpectedAmount = &expected
	pa.ReceivedAmount = &received
	pa.Currency = &currency

	// Compare with tolerance for floating point
	const tolerance = 0.005
	match := abs(expected-received) < tolerance
	pa.AmountsMatch = &match
	return match
}

// SetPaymentStatus sets the payment status from gateway
func (pa *PaymentAudit) SetPaymentStatus(status string) *PaymentAudit {
	pa.PaymentStatus = &status
	return pa
}

// SetGatewayRef sets the gateway-side object ID (charge, refund, transfer)
func (pa *PaymentAudit) SetGatewayRef(ref string) *PaymentAudit {
	pa.GatewayRef = &ref
	return pa
}

// SetError sets error information
func (pa *PaymentAudit) SetError(message string, code *string) *PaymentAudit {
	pa.ErrorMessage = &message
	pa.ErrorCode = code
	return pa
}

// SetRawBody stores the raw response body before parsing
func (pa *PaymentAudit) SetRawBody(body string) *PaymentAudit {
	pa.RawBody = &body
	return pa
}

// SetHTTPDetails sets HTTP request/response details
func (pa *PaymentAudit) SetHTTPDetails(method string, url string, statusCode int) *PaymentAudit {
	pa.HTTPMethod = &method
	pa.EndpointURL = &url
	pa.HTTPStatusCode = &statusCode
	return pa
}

// SetRequestPayload sets the request payload sent
func (pa *PaymentAudit) SetRequestPayload(payload map[string]interface{}) *PaymentAudit {
	pa.RequestPayload = JSONB(payload)
	return pa
}

// SetResponsePayload sets the response payload received
func (pa *PaymentAudit) SetResponsePayload(payload map[string]interface{}) *PaymentAudit {
	pa.ResponsePayload = JSONB(payload)
	return pa
}

// SetMetadata sets request metadata
func (pa *PaymentAudit) SetMetadata(ip, userAgent, correlationID string) *PaymentAudit {
	if ip != "" {
		pa.IPAddress = &ip
	}
	if userAgent != "" {
		pa.UserAgent = &userAgent
	}
	if correlationID != "" {
		pa.CorrelationID = &correlationID
	}
	return pa
}

// SetProcessingTime calculates and sets processing time
func (pa *PaymentAudit) SetProcessingTime(startTime time.Time) *PaymentAudit {
	durationMs := int(time.Since(startTime).Milliseconds())
	pa.ProcessingTimeMs = &durationMs
	now := time.Now()
	pa.ProcessedAt = &now
	return pa
}

// MarkAsDuplicate marks this event as a duplicate
func (pa *PaymentAudit) MarkAsDuplicate() *PaymentAudit {
	pa.IsDuplicate = true
	return pa
}

// SetIdempotencyKey sets the idempotency key
func (pa *PaymentAudit) SetIdempotencyKey(key string) *PaymentAudit {
	pa.IdempotencyKey = &key
	return pa
}

// abs returns absolute value of float64
func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
