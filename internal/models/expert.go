package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ExpertiseCategory represents the consultation area an expert covers
type ExpertiseCategory string

const (
	ExpertiseTechNation     ExpertiseCategory = "tech_nation"
	ExpertiseGlobalTalent   ExpertiseCategory = "global_talent"
	ExpertisePersonalStmt   ExpertiseCategory = "personal_statement"
	ExpertiseEvidenceReview ExpertiseCategory = "evidence_review"
	ExpertiseApplication    ExpertiseCategory = "full_application"
)

// Expert represents a consultant who can be assigned to bookings
type Expert struct {
	ID              uuid.UUID          `json:"id" db:"id"`
	FirstName       string             `json:"first_name" db:"first_name"`
	LastName        string             `json:"last_name" db:"last_name"`
	Email           string             `json:"email" db:"email"`
	PasswordHash    string             `json:"-" db:"password_hash"`
	IsActive        bool               `json:"is_active" db:"is_active"`
	Expertise       ExpertiseCategory  `json:"expertise" db:"expertise"`
	HourlyRate      float64            `json:"hourly_rate" db:"hourly_rate"`
	CommissionRate  float64            `json:"commission_rate" db:"commission_rate"`
	Rating          float64            `json:"rating" db:"rating"`
	Availability    []AvailabilitySlot `json:"availability" db:"-"`
	StripeAccountID *string            `json:"stripe_account_id,omitempty" db:"stripe_account_id"`
	TotalEarnings   float64            `json:"total_earnings" db:"total_earnings"`
	PendingPayout   float64            `json:"pending_payout" db:"pending_payout"`
	LastAssignedAt  *time.Time         `json:"last_assigned_at,omitempty" db:"last_assigned_at"`
	CreatedAt       time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at" db:"updated_at"`
}

// FullName returns the expert's display name
func (e *Expert) FullName() string {
	return e.FirstName + " " + e.LastName
}

// AvailabilitySlot is one bookable window declared by an expert.
// Date is "2006-01-02", times are "15:04" at minute granularity.
type AvailabilitySlot struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// Window resolves the slot to concrete start/end instants in loc.
// Both ends carry the slot's calendar date; a slot never spans midnight.
func (s AvailabilitySlot) Window(loc *time.Location) (start, end time.Time, err error) {
	day, err := time.ParseInLocation("2006-01-02", s.Date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid slot date %q: %w", s.Date, err)
	}
	st, err := time.Parse("15:04", s.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid slot start time %q: %w", s.StartTime, err)
	}
	et, err := time.Parse("15:04", s.EndTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid slot end time %q: %w", s.EndTime, err)
	}

	start = time.Date(day.Year(), day.Month(), day.Day(), st.Hour(), st.Minute(), 0, 0, loc)
	end = time.Date(day.Year(), day.Month(), day.Day(), et.Hour(), et.Minute(), 0, 0, loc)
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("slot start %s is not before end %s", s.StartTime, s.EndTime)
	}
	return start, end, nil
}

// ParseAvailability decodes the stored slot list. A corrupt payload yields
// an empty list rather than an error; reads must never fail on bad data.
func ParseAvailability(raw []byte) []AvailabilitySlot {
	if len(raw) == 0 {
		return nil
	}
	var slots []AvailabilitySlot
	if err := json.Unmarshal(raw, &slots); err != nil {
		return nil
	}
	return slots
}

// ValidateAvailability checks a slot list on mutation: every slot must
// parse, start must precede end, and no two slots for the expert may
// overlap. Returns the first violation found.
func ValidateAvailability(slots []AvailabilitySlot, loc *time.Location) error {
	type window struct {
		start, end time.Time
	}
	windows := make([]window, 0, len(slots))
	for i, slot := range slots {
		start, end, err := slot.Window(loc)
		if err != nil {
			return fmt.Errorf("slot %d: %w", i, err)
		}
		windows = append(windows, window{start: start, end: end})
	}

	sort.Slice(windows, func(i, j int) bool { return windows[i].start.Before(windows[j].start) })
	for i := 1; i < len(windows); i++ {
		if windows[i].start.Before(windows[i-1].end) {
			return errors.New("availability slots overlap")
		}
	}
	return nil
}

// MarshalAvailability encodes a slot list for storage
func MarshalAvailability(slots []AvailabilitySlot) ([]byte, error) {
	if slots == nil {
		slots = []AvailabilitySlot{}
	}
	return json.Marshal(slots)
}

// UpdateAvailabilityRequest replaces an expert's availability wholesale
type UpdateAvailabilityRequest struct {
	Slots []AvailabilitySlot `json:"slots" binding:"required"`
}

// ExpertLoginRequest authenticates an expert against the portal
type ExpertLoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// ExpertLoginResponse carries issued tokens
type ExpertLoginResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpertID     uuid.UUID `json:"expert_id"`
	FullName     string    `json:"full_name"`
}
