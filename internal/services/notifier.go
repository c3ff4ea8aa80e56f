package services

import (
	"github.com/sirupsen/logrus"
	"github.com/techvisa/expert-marketplace-backend/internal/models"
)

// Notifier receives booking lifecycle events. Implementations deliver them
// to clients and experts; the default just logs.
type Notifier interface {
	BookingConfirmed(booking *models.Booking)
	BookingReassigned(booking *models.Booking, outcome models.AssignmentOutcome)
	BookingCancelled(booking *models.Booking, refunded float64)
	BookingCompleted(booking *models.Booking)
	DisputeFiled(dispute *models.NoShowDispute)
	DisputeResolved(dispute *models.NoShowDispute)
}

// LogNotifier writes every notification to the structured log
type LogNotifier struct {
	logger *logrus.Logger
}

// NewLogNotifier creates a notifier that only logs
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) BookingConfirmed(booking *models.Booking) {
	n.logger.WithFields(logrus.Fields{
		"booking_id":   booking.ID,
		"client_email": booking.ClientEmail,
	}).Info("Notify: booking confirmed")
}

func (n *LogNotifier) BookingReassigned(booking *models.Booking, outcome models.AssignmentOutcome) {
	n.logger.WithFields(logrus.Fields{
		"booking_id":   booking.ID,
		"client_email": booking.ClientEmail,
		"outcome":      outcome,
	}).Info("Notify: booking reassigned")
}

func (n *LogNotifier) BookingCancelled(booking *models.Booking, refunded float64) {
	n.logger.WithFields(logrus.Fields{
		"booking_id":   booking.ID,
		"client_email": booking.ClientEmail,
		"refunded":     refunded,
	}).Info("Notify: booking cancelled")
}

func (n *LogNotifier) BookingCompleted(booking *models.Booking) {
	n.logger.WithFields(logrus.Fields{
		"booking_id":   booking.ID,
		"client_email": booking.ClientEmail,
	}).Info("Notify: booking completed")
}

func (n *LogNotifier) DisputeFiled(dispute *models.NoShowDispute) {
	n.logger.WithFields(logrus.Fields{
		"dispute_id": dispute.ID,
		"booking_id": dispute.BookingID,
		"type":       dispute.Type,
	}).Info("Notify: dispute filed")
}

func (n *LogNotifier) DisputeResolved(dispute *models.NoShowDispute) {
	n.logger.WithFields(logrus.Fields{
		"dispute_id": dispute.ID,
		"booking_id": dispute.BookingID,
		"status":     dispute.Status,
	}).Info("Notify: dispute resolved")
}
