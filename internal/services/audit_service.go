package services

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/techvisa/expert-marketplace-backend/internal/database"
	"github.com/techvisa/expert-marketplace-backend/internal/models"
	"github.com/techvisa/expert-marketplace-backend/internal/utils"
)

// AuditService handles audit logging for security-relevant actions
type AuditService struct {
	db database.DB
}

// NewAuditService creates a new audit service
func NewAuditService(db database.DB) *AuditService {
	return &AuditService{
		db: db,
	}
}

// AuditEvent represents a security event to be logged
type AuditEvent struct {
	ExpertID   *uuid.UUID             // Can be nil for anonymous or staff events
	Action     string                 // Action type (e.g., "login", "availability_update")
	EntityType string                 // Type of entity affected (e.g., "expert", "dispute", "payout")
	EntityID   *uuid.UUID             // ID of the affected entity (can be nil)
	IPAddress  string                 // Client IP address
	UserAgent  string                 // Client user agent
	Details    map[string]interface{} // Additional details as JSONB
}

// LogLogin logs an expert login attempt
func (s *AuditService) LogLogin(expertID uuid.UUID, ipAddress, userAgent string, success bool) error {
	deviceInfo := utils.ParseUserAgent(userAgent)

	action := "login"
	if !success {
		action = "login_failed"
	}

	details := map[string]interface{}{
		"success":     success,
		"device_info": deviceInfo,
	}

	return s.logEvent(AuditEvent{
		ExpertID:   &expertID,
		Action:     action,
		EntityType: "expert",
		EntityID:   &expertID,
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		Details:    details,
	})
}

// LogAvailabilityUpdate logs a change to an expert's weekly availability
func (s *AuditService) LogAvailabilityUpdate(expertID uuid.UUID, ipAddress, userAgent string, slotCount int) error {
	deviceInfo := utils.ParseUserAgent(userAgent)

	details := map[string]interface{}{
		"slot_count":  slotCount,
		"device_info": deviceInfo,
	}

	return s.logEvent(AuditEvent{
		ExpertID:   &expertID,
		Action:     "availability_update",
		EntityType: "expert",
		EntityID:   &expertID,
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		Details:    details,
	})
}

// LogDisputeResolution logs a staff member resolving a no-show dispute
func (s *AuditService) LogDisputeResolution(disputeID uuid.UUID, resolvedBy, outcome string, refundAmount float64, ipAddress, userAgent string) error {
	details := map[string]interface{}{
		"resolved_by":   resolvedBy,
		"outcome":       outcome,
		"refund_amount": refundAmount,
	}

	return s.logEvent(AuditEvent{
		ExpertID:   nil,
		Action:     "dispute_resolve",
		EntityType: "dispute",
		EntityID:   &disputeID,
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		Details:    details,
	})
}

// LogInstantPayoutRequest logs an expert requesting an instant payout
func (s *AuditService) LogInstantPayoutRequest(expertID uuid.UUID, ipAddress, userAgent string, success bool, netAmount float64) error {
	deviceInfo := utils.ParseUserAgent(userAgent)

	details := map[string]interface{}{
		"success":     success,
		"net_amount":  netAmount,
		"device_info": deviceInfo,
	}

	return s.logEvent(AuditEvent{
		ExpertID:   &expertID,
		Action:     "instant_payout_request",
		EntityType: "payout",
		EntityID:   &expertID,
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		Details:    details,
	})
}

// LogSuspiciousActivity logs suspicious security events
func (s *AuditService) LogSuspiciousActivity(expertID *uuid.UUID, activity, ipAddress, userAgent string, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}

	deviceInfo := utils.ParseUserAgent(userAgent)
	details["device_info"] = deviceInfo
	details["activity"] = activity

	return s.logEvent(AuditEvent{
		ExpertID:   expertID,
		Action:     "suspicious_activity",
		EntityType: "security",
		EntityID:   nil,
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		Details:    details,
	})
}

// logEvent is the internal method that writes to the audit_logs table
func (s *AuditService) logEvent(event AuditEvent) error {
	query := `
		INSERT INTO audit_logs (expert_id, action, entity_type, entity_id, ip_address, user_agent, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`

	_, err := s.db.Exec(
		query,
		event.ExpertID,
		event.Action,
		event.EntityType,
		event.EntityID,
		event.IPAddress,
		event.UserAgent,
		models.JSONB(event.Details),
	)

	if err != nil {
		return fmt.Errorf("failed to log audit event: %w", err)
	}

	return nil
}

// GetRecentEvents retrieves recent audit events for an expert
func (s *AuditService) GetRecentEvents(expertID uuid.UUID, limit int) ([]map[string]interface{}, error) {
	query := `
		SELECT action, entity_type, ip_address, user_agent, details, created_at
		FROM audit_logs
		WHERE expert_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.db.Query(query, expertID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent events: %w", err)
	}
	defer rows.Close()

	events := []map[string]interface{}{}
	for rows.Next() {
		var action, entityType, ipAddress, userAgent string
		var details models.JSONB
		var createdAt time.Time

		err := rows.Scan(&action, &entityType, &ipAddress, &userAgent, &details, &createdAt)
		if err != nil {
			continue
		}

		events = append(events, map[string]interface{}{
			"action":      action,
			"entity_type": entityType,
			"ip_address":  ipAddress,
			"user_agent":  userAgent,
			"details":     details,
			"created_at":  createdAt,
		})
	}

	return events, nil
}
