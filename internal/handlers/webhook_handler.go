package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/techvisa/expert-marketplace-backend/internal/config"
	"github.com/techvisa/expert-marketplace-backend/internal/database"
	"github.com/techvisa/expert-marketplace-backend/internal/models"
	"github.com/techvisa/expert-marketplace-backend/internal/services"
	"github.com/techvisa/expert-marketplace-backend/internal/utils"
)

// Webhook signatures older than this are rejected
const webhookSignatureTolerance = 5 * time.Minute

// WebhookHandler handles payment provider webhook callbacks
type WebhookHandler struct {
	bookingService *services.BookingService
	stripeService  *services.StripeService
	auditRepo      *database.PaymentAuditRepository
	bookingRepo    *database.BookingRepository
	cfg            *config.StripeConfig
	logger         *logrus.Logger
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(
	bookingService *services.BookingService,
	stripeService *services.StripeService,
	auditRepo *database.PaymentAuditRepository,
	bookingRepo *database.BookingRepository,
	cfg *config.StripeConfig,
	logger *logrus.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		bookingService: bookingService,
		stripeService:  stripeService,
		auditRepo:      auditRepo,
		bookingRepo:    bookingRepo,
		cfg:            cfg,
		logger:         logger,
	}
}

// stripeWebhookEvent is the envelope Stripe posts to the webhook endpoint
type stripeWebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// stripeWebhookObject covers the fields shared by payment_intent and charge objects
type stripeWebhookObject struct {
	ID             string `json:"id"`
	Amount         int64  `json:"amount"`
	AmountReceived int64  `json:"amount_received"`
	AmountRefunded int64  `json:"amount_refunded"`
	PaymentIntent  string `json:"payment_intent"`
	Status         string `json:"status"`
}

// HandleStripeWebhook processes Stripe event notifications
// @Summary Stripe webhook callback
// @Description Called by Stripe to notify of payment intent and charge events
// @Tags Webhooks
// @Accept json
// @Produce json
// @Success 200 {object} map[string]interface{} "Event processed"
// @Failure 400 {object} map[string]interface{} "Invalid signature or payload"
// @Router /api/v1/webhooks/stripe [post]
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	started := time.Now()

	payload, err := c.GetRawData()
	if err != nil {
		h.logger.WithError(err).Error("Failed to read webhook body")
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	sigHeader := c.GetHeader("Stripe-Signature")
	if err := h.stripeService.VerifyWebhookSignature(payload, sigHeader, webhookSignatureTolerance, time.Now()); err != nil {
		h.logger.WithError(err).Warn("Webhook signature verification failed")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.WithError(err).Warn("Failed to parse webhook payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	var object stripeWebhookObject
	if err := json.Unmarshal(event.Data.Object, &object); err != nil {
		h.logger.WithError(err).Warn("Failed to parse webhook event object")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event object"})
		return
	}

	audit := models.NewPaymentAudit(models.PaymentEventWebhookReceived, models.PaymentSourceStripeWebhook).
		SetProviderEvent(event.ID).
		SetRawBody(string(payload)).
		SetMetadata(utils.GetRealIP(c), utils.GetUserAgent(c), event.ID)
	if object.Status != "" {
		audit.SetPaymentStatus(object.Status)
	}

	// Replayed events are acknowledged without reprocessing
	duplicate, err := h.auditRepo.CheckDuplicate(c.Request.Context(), event.ID, models.PaymentEventWebhookReceived, "")
	if err != nil {
		h.logger.WithError(err).Warn("Failed to check webhook duplicate")
	}
	if duplicate {
		audit.MarkAsDuplicate()
		audit.SetProcessingTime(started)
		if logErr := h.auditRepo.Log(c.Request.Context(), audit); logErr != nil {
			h.logger.WithError(logErr).Error("Failed to log webhook audit")
		}
		c.JSON(http.StatusOK, gin.H{"message": "duplicate event acknowledged", "event_id": event.ID})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"object_id":  object.ID,
	}).Info("Stripe webhook received")

	var handleErr error
	switch event.Type {
	case "payment_intent.succeeded":
		audit.SetPaymentIntent(object.ID)
		handleErr = h.bookingService.HandlePaymentSucceeded(c.Request.Context(), object.ID)
	case "payment_intent.payment_failed", "payment_intent.canceled":
		audit.SetPaymentIntent(object.ID)
		handleErr = h.bookingService.HandlePaymentFailed(c.Request.Context(), object.ID)
	case "charge.refunded":
		handleErr = h.reconcileRefund(c, audit, &object)
	default:
		h.logger.WithField("event_type", event.Type).Debug("Ignoring unhandled webhook event type")
	}

	if handleErr != nil {
		h.logger.WithError(handleErr).WithFields(logrus.Fields{
			"event_id":   event.ID,
			"event_type": event.Type,
		}).Error("Failed to process webhook event")
		audit.SetError(handleErr.Error(), nil)
	}

	audit.SetProcessingTime(started)
	if logErr := h.auditRepo.Log(c.Request.Context(), audit); logErr != nil {
		h.logger.WithError(logErr).Error("Failed to log webhook audit")
	}

	// Always acknowledge to stop Stripe retries; failures are audited for review
	c.JSON(http.StatusOK, gin.H{
		"message":  "webhook processed",
		"event_id": event.ID,
	})
}

// reconcileRefund aligns local refund state with a charge.refunded event.
// Refunds issued through the API are already recorded; this catches refunds
// made directly in the Stripe dashboard.
func (h *WebhookHandler) reconcileRefund(c *gin.Context, audit *models.PaymentAudit, object *stripeWebhookObject) error {
	if object.PaymentIntent == "" {
		return nil
	}
	audit.SetPaymentIntent(object.PaymentIntent)

	booking, err := h.bookingRepo.GetByPaymentIntentID(object.PaymentIntent)
	if err != nil {
		h.logger.WithField("payment_intent_id", object.PaymentIntent).Warn("No booking for refunded charge")
		return nil
	}
	audit.SetBooking(booking.ID)

	refunded := models.FromPence(object.AmountRefunded)
	if refunded <= booking.RefundAmount {
		return nil
	}

	h.logger.WithFields(logrus.Fields{
		"booking_id":        booking.ID,
		"recorded_refund":   booking.RefundAmount,
		"provider_refund":   refunded,
		"payment_intent_id": object.PaymentIntent,
	}).Warn("Provider refund exceeds recorded refund, reconciling from webhook")

	booking.RefundAmount = refunded
	status := booking.StatusAfterRefund()
	if err := h.bookingRepo.RecordRefund(booking.ID, "reconciled:"+object.ID, refunded, status); err != nil {
		return err
	}

	return h.bookingService.RecalculateEarnings(c.Request.Context(), booking.ID)
}
