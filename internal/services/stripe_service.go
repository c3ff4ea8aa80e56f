package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/techvisa/expert-marketplace-backend/internal/config"
)

// ValidRefundReasons are the reason codes Stripe accepts on refund creation
var ValidRefundReasons = map[string]bool{
	"duplicate":             true,
	"fraudulent":            true,
	"requested_by_customer": true,
}

// StripeService talks to the Stripe REST API over HTTPS with form-encoded
// requests and JSON responses
type StripeService struct {
	config *config.StripeConfig
	logger *logrus.Logger
	client *http.Client
}

// StripePaymentIntent represents a Stripe payment intent object
type StripePaymentIntent struct {
	ID             string `json:"id"`
	Status         string `json:"status"` // requires_payment_method, processing, succeeded, canceled
	Amount         int64  `json:"amount"`
	AmountReceived int64  `json:"amount_received"`
	Currency       string `json:"currency"`
	LatestCharge   string `json:"latest_charge"`
	ClientSecret   string `json:"client_secret"`
}

// StripeRefund represents a Stripe refund object
type StripeRefund struct {
	ID      string `json:"id"`
	Status  string `json:"status"` // pending, succeeded, failed, canceled
	Amount  int64  `json:"amount"`
	Charge  string `json:"charge"`
	Reason  string `json:"reason"`
	Created int64  `json:"created"`
}

// StripeTransfer represents a Stripe transfer to a connected account
type StripeTransfer struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Destination string `json:"destination"`
	Created     int64  `json:"created"`
}

// StripeAccount represents a connected account's payout capability
type StripeAccount struct {
	ID             string `json:"id"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
	ChargesEnabled bool   `json:"charges_enabled"`
}

// StripeError is the decoded error envelope from a failed API call
type StripeError struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface
func (e *StripeError) Error() string {
	return fmt.Sprintf("stripe: %s (%s): %s", e.Type, e.Code, e.Message)
}

// IsChargeAlreadyRefunded reports whether the error means the provider has
// already refunded the charge in full
func IsChargeAlreadyRefunded(err error) bool {
	stripeErr, ok := err.(*StripeError)
	return ok && stripeErr.Code == "charge_already_refunded"
}

// stripeErrorEnvelope wraps the error object in Stripe responses
type stripeErrorEnvelope struct {
	Error StripeError `json:"error"`
}

// NewStripeService creates a new Stripe gateway client
func NewStripeService(cfg *config.StripeConfig, logger *logrus.Logger) *StripeService {
	return &StripeService{
		config: cfg,
		logger: logger,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

// CreatePaymentIntentParams contains parameters for a new payment intent
type CreatePaymentIntentParams struct {
	AmountPence    int64
	Description    string
	ReceiptEmail   string
	BookingID      string
	IdempotencyKey string
}

// CreatePaymentIntent creates a payment intent for a booking fee
func (s *StripeService) CreatePaymentIntent(params *CreatePaymentIntentParams) (*StripePaymentIntent, error) {
	if s.config.SecretKey == "" {
		return nil, fmt.Errorf("payment gateway not configured: missing secret key")
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.AmountPence, 10))
	form.Set("currency", s.config.Currency)
	form.Set("automatic_payment_methods[enabled]", "true")
	if params.Description != "" {
		form.Set("description", params.Description)
	}
	if params.ReceiptEmail != "" {
		form.Set("receipt_email", params.ReceiptEmail)
	}
	if params.BookingID != "" {
		form.Set("metadata[booking_id]", params.BookingID)
	}

	s.logger.WithFields(logrus.Fields{
		"amount_pence": params.AmountPence,
		"currency":     s.config.Currency,
		"booking_id":   params.BookingID,
	}).Info("Creating Stripe payment intent")

	var intent StripePaymentIntent
	if err := s.doRequest(http.MethodPost, "/v1/payment_intents", form, params.IdempotencyKey, &intent); err != nil {
		return nil, err
	}

	return &intent, nil
}

// RetrievePaymentIntent fetches the current provider-side state of an intent
func (s *StripeService) RetrievePaymentIntent(intentID string) (*StripePaymentIntent, error) {
	var intent StripePaymentIntent
	path := "/v1/payment_intents/" + url.PathEscape(intentID)
	if err := s.doRequest(http.MethodGet, path, nil, "", &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// CreateRefundParams contains parameters for a refund
type CreateRefundParams struct {
	PaymentIntentID string
	AmountPence     int64
	Reason          string
	IdempotencyKey  string
}

// CreateRefund refunds part or all of a payment intent's charge
func (s *StripeService) CreateRefund(params *CreateRefundParams) (*StripeRefund, error) {
	if params.Reason != "" && !ValidRefundReasons[params.Reason] {
		return nil, fmt.Errorf("invalid refund reason: %s", params.Reason)
	}

	form := url.Values{}
	form.Set("payment_intent", params.PaymentIntentID)
	form.Set("amount", strconv.FormatInt(params.AmountPence, 10))
	if params.Reason != "" {
		form.Set("reason", params.Reason)
	}

	s.logger.WithFields(logrus.Fields{
		"payment_intent_id": params.PaymentIntentID,
		"amount_pence":      params.AmountPence,
		"reason":            params.Reason,
	}).Info("Creating Stripe refund")

	var refund StripeRefund
	if err := s.doRequest(http.MethodPost, "/v1/refunds", form, params.IdempotencyKey, &refund); err != nil {
		return nil, err
	}

	return &refund, nil
}

// CreateTransferParams contains parameters for a payout transfer
type CreateTransferParams struct {
	AmountPence    int64
	Destination    string
	Description    string
	IdempotencyKey string
}

// CreateTransfer moves funds to an expert's connected account
func (s *StripeService) CreateTransfer(params *CreateTransferParams) (*StripeTransfer, error) {
	if params.AmountPence <= 0 {
		return nil, fmt.Errorf("transfer amount must be positive")
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.AmountPence, 10))
	form.Set("currency", s.config.Currency)
	form.Set("destination", params.Destination)
	if params.Description != "" {
		form.Set("description", params.Description)
	}

	s.logger.WithFields(logrus.Fields{
		"amount_pence": params.AmountPence,
		"destination":  params.Destination,
	}).Info("Creating Stripe transfer")

	var transfer StripeTransfer
	if err := s.doRequest(http.MethodPost, "/v1/transfers", form, params.IdempotencyKey, &transfer); err != nil {
		return nil, err
	}

	return &transfer, nil
}

// GetAccount fetches a connected account to check payout capability
func (s *StripeService) GetAccount(accountID string) (*StripeAccount, error) {
	var account StripeAccount
	path := "/v1/accounts/" + url.PathEscape(accountID)
	if err := s.doRequest(http.MethodGet, path, nil, "", &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// VerifyWebhookSignature checks the Stripe-Signature header against the raw
// payload. The signed string is "<timestamp>.<payload>" under HMAC-SHA256
// with the webhook secret.
func (s *StripeService) VerifyWebhookSignature(payload []byte, sigHeader string, tolerance time.Duration, now time.Time) error {
	if s.config.WebhookSecret == "" {
		return fmt.Errorf("webhook secret not configured")
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(sigHeader, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("malformed signature header")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed signature timestamp: %w", err)
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age > tolerance || age < -tolerance {
			return fmt.Errorf("signature timestamp outside tolerance")
		}
	}

	mac := hmac.New(sha256.New, []byte(s.config.WebhookSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}

	return fmt.Errorf("no matching signature")
}

// doRequest performs one API call, decoding the Stripe error envelope on
// non-2xx responses
func (s *StripeService) doRequest(method, path string, form url.Values, idempotencyKey string, out interface{}) error {
	endpoint := s.config.APIBaseURL + path

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequest(method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.config.SecretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.WithError(err).WithField("path", path).Error("Failed to call Stripe endpoint")
		return fmt.Errorf("failed to call payment gateway: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope stripeErrorEnvelope
		if err := json.Unmarshal(respBody, &envelope); err != nil || envelope.Error.Message == "" {
			return fmt.Errorf("payment gateway returned status %d: %s", resp.StatusCode, string(respBody))
		}
		envelope.Error.HTTPStatus = resp.StatusCode
		s.logger.WithFields(logrus.Fields{
			"path":        path,
			"status_code": resp.StatusCode,
			"error_code":  envelope.Error.Code,
		}).Warn("Stripe request failed")
		return &envelope.Error
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			s.logger.WithFields(logrus.Fields{
				"body":  string(respBody),
				"error": err.Error(),
			}).Error("Failed to parse Stripe response")
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}
