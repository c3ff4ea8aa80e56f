package services

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/techvisa/expert-marketplace-backend/internal/database"
	"github.com/techvisa/expert-marketplace-backend/internal/models"
)

// Assignment failures distinguish an empty candidate pool from a pool that
// is fully booked
var (
	ErrNoExpertForExpertise = fmt.Errorf("no expert covers the requested expertise")
	ErrNoExpertAvailable    = fmt.Errorf("no expert available for the requested slot")
)

// AssignmentService matches bookings to experts. Per-expert locks serialize
// the availability check and the assignment write so two bookings cannot
// both claim the same slot.
type AssignmentService struct {
	expertRepo  *database.ExpertRepository
	bookingRepo *database.BookingRepository
	location    *time.Location
	logger      *logrus.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewAssignmentService creates a new AssignmentService
func NewAssignmentService(
	expertRepo *database.ExpertRepository,
	bookingRepo *database.BookingRepository,
	location *time.Location,
	logger *logrus.Logger,
) *AssignmentService {
	return &AssignmentService{
		expertRepo:  expertRepo,
		bookingRepo: bookingRepo,
		location:    location,
		logger:      logger,
		locks:       make(map[uuid.UUID]*sync.Mutex),
	}
}

// expertLock returns the mutex serializing writes for one expert
func (s *AssignmentService) expertLock(expertID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[expertID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[expertID] = lock
	}
	return lock
}

// intervalsOverlap reports whether [s1, e1) and [s2, e2) intersect.
// Back-to-back intervals do not overlap.
func intervalsOverlap(s1, e1, s2, e2 time.Time) bool {
	return s1.Before(e2) && e1.After(s2)
}

// busyInterval is an occupied stretch of an expert's day
type busyInterval struct {
	start time.Time
	end   time.Time
}

// busyIntervalsFor resolves the expert's slot-holding bookings on a date to
// concrete intervals. Bookings that fail to parse are skipped with a warning
// rather than blocking the whole day.
func (s *AssignmentService) busyIntervalsFor(expertID uuid.UUID, date string, excludeID *uuid.UUID) ([]busyInterval, error) {
	bookings, err := s.bookingRepo.ListHoldingForExpertOn(expertID, date, excludeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load expert bookings: %w", err)
	}

	intervals := make([]busyInterval, 0, len(bookings))
	for i := range bookings {
		start, err := bookings[i].ScheduledStart(s.location)
		if err != nil {
			s.logger.WithError(err).WithField("booking_id", bookings[i].ID).
				Warn("Skipping booking with unparseable schedule")
			continue
		}
		end := start.Add(time.Duration(bookings[i].DurationMinutes) * time.Minute)
		intervals = append(intervals, busyInterval{start: start, end: end})
	}

	sort.Slice(intervals, func(i, j int) bool { return intervals[i].start.Before(intervals[j].start) })
	return intervals, nil
}

// sessionFits reports whether [start, end) sits entirely inside one of the
// expert's availability windows on that date and clears every busy interval.
// Malformed availability entries are skipped with a warning.
func (s *AssignmentService) sessionFits(expert *models.Expert, date string, start, end time.Time, busy []busyInterval) bool {
	for _, slot := range expert.Availability {
		if slot.Date != date {
			continue
		}
		winStart, winEnd, err := slot.Window(s.location)
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"expert_id": expert.ID,
				"date":      slot.Date,
			}).Warn("Skipping malformed availability slot")
			continue
		}
		if start.Before(winStart) || end.After(winEnd) {
			continue
		}
		for _, b := range busy {
			if intervalsOverlap(start, end, b.start, b.end) {
				return false
			}
		}
		return true
	}
	return false
}

// IsExpertAvailable checks whether the expert can take a session at the
// given date and time. excludeID skips a booking being moved so it does not
// conflict with itself.
func (s *AssignmentService) IsExpertAvailable(expert *models.Expert, date, timeOfDay string, durationMinutes int, excludeID *uuid.UUID) (bool, error) {
	start, err := time.ParseInLocation("2006-01-02 15:04", date+" "+timeOfDay, s.location)
	if err != nil {
		return false, fmt.Errorf("invalid date/time: %w", err)
	}
	end := start.Add(time.Duration(durationMinutes) * time.Minute)

	busy, err := s.busyIntervalsFor(expert.ID, date, excludeID)
	if err != nil {
		return false, err
	}

	return s.sessionFits(expert, date, start, end, busy), nil
}

// AssignExpert picks the best available expert for a booking and commits the
// assignment. Candidates are tried in fairness order: least recently
// assigned, then highest rated, then least loaded.
func (s *AssignmentService) AssignExpert(booking *models.Booking) (*models.Expert, error) {
	candidates, err := s.expertRepo.ListCandidates(booking.ExpertiseNeeded)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoExpertForExpertise
	}

	for i := range candidates {
		expert := &candidates[i]
		if assigned := s.tryAssign(expert, booking); assigned {
			s.logger.WithFields(logrus.Fields{
				"booking_id": booking.ID,
				"expert_id":  expert.ID,
			}).Info("Expert assigned to booking")
			return expert, nil
		}
	}

	return nil, ErrNoExpertAvailable
}

// tryAssign attempts to claim one expert for the booking under their lock
func (s *AssignmentService) tryAssign(expert *models.Expert, booking *models.Booking) bool {
	lock := s.expertLock(expert.ID)
	lock.Lock()
	defer lock.Unlock()

	available, err := s.IsExpertAvailable(expert, booking.ScheduledDate, booking.ScheduledTime, booking.DurationMinutes, &booking.ID)
	if err != nil {
		s.logger.WithError(err).WithField("expert_id", expert.ID).
			Warn("Availability check failed, skipping candidate")
		return false
	}
	if !available {
		return false
	}

	now := time.Now()
	if err := s.bookingRepo.AssignExpert(booking.ID, expert.ID, now); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"booking_id": booking.ID,
			"expert_id":  expert.ID,
		}).Warn("Failed to commit assignment, skipping candidate")
		return false
	}
	if err := s.expertRepo.TouchLastAssigned(expert.ID, now); err != nil {
		s.logger.WithError(err).WithField("expert_id", expert.ID).
			Error("Failed to record last assignment time")
	}

	booking.ExpertID = &expert.ID
	booking.AssignedAt = &now
	booking.Status = models.BookingStatusPendingPayment
	return true
}

// FindAlternativeSlot scans the expert's windows on or after fromDate for
// the earliest start that fits the session. Only starts strictly after now
// qualify; a slot that has already begun is no use to anyone. A window with
// conflicts does not end the search; later windows, other dates, and the
// gaps after each busy interval are still tried. Returns the date and start
// time found.
func (s *AssignmentService) FindAlternativeSlot(expert *models.Expert, fromDate string, durationMinutes int, excludeID *uuid.UUID, now time.Time) (string, string, bool) {
	duration := time.Duration(durationMinutes) * time.Minute

	// Windows grouped by date, dates in order so the earliest slot wins
	windowsByDate := make(map[string][]busyInterval)
	dates := []string{}
	for _, slot := range expert.Availability {
		if slot.Date < fromDate {
			continue
		}
		winStart, winEnd, err := slot.Window(s.location)
		if err != nil {
			s.logger.WithError(err).WithField("expert_id", expert.ID).
				Warn("Skipping malformed availability slot")
			continue
		}
		if _, seen := windowsByDate[slot.Date]; !seen {
			dates = append(dates, slot.Date)
		}
		windowsByDate[slot.Date] = append(windowsByDate[slot.Date], busyInterval{start: winStart, end: winEnd})
	}
	sort.Strings(dates)

	for _, date := range dates {
		busy, err := s.busyIntervalsFor(expert.ID, date, excludeID)
		if err != nil {
			s.logger.WithError(err).WithField("expert_id", expert.ID).
				Warn("Failed to load busy intervals for alternative slot search")
			continue
		}

		windows := windowsByDate[date]
		sort.Slice(windows, func(i, j int) bool { return windows[i].start.Before(windows[j].start) })

		for _, win := range windows {
			// Candidate starts: the window opening, then the end of each
			// busy interval inside the window
			candidates := []time.Time{win.start}
			for _, b := range busy {
				if b.end.After(win.start) && b.end.Before(win.end) {
					candidates = append(candidates, b.end)
				}
			}
			sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })

			for _, start := range candidates {
				if !start.After(now) {
					continue
				}
				end := start.Add(duration)
				if end.After(win.end) {
					continue
				}
				conflict := false
				for _, b := range busy {
					if intervalsOverlap(start, end, b.start, b.end) {
						conflict = true
						break
					}
				}
				if !conflict {
					return date, start.Format("15:04"), true
				}
			}
		}
	}

	return "", "", false
}

// ReassignAfterCancellation finds a replacement expert after the assigned
// expert cancels. Same-time replacement wins; failing that, the earliest
// alternative slot is committed flagged for client confirmation; when
// neither exists the caller must refund.
func (s *AssignmentService) ReassignAfterCancellation(booking *models.Booking, cancelledExpertID uuid.UUID) (models.AssignmentOutcome, *models.Expert, error) {
	candidates, err := s.expertRepo.ListCandidates(booking.ExpertiseNeeded)
	if err != nil {
		return "", nil, fmt.Errorf("failed to list candidates: %w", err)
	}

	// First pass: someone free at the original time
	for i := range candidates {
		expert := &candidates[i]
		if expert.ID == cancelledExpertID {
			continue
		}
		lock := s.expertLock(expert.ID)
		lock.Lock()
		available, err := s.IsExpertAvailable(expert, booking.ScheduledDate, booking.ScheduledTime, booking.DurationMinutes, &booking.ID)
		if err != nil || !available {
			lock.Unlock()
			continue
		}
		now := time.Now()
		err = s.bookingRepo.Reassign(booking.ID, expert.ID, booking.ScheduledDate, booking.ScheduledTime, false, now)
		lock.Unlock()
		if err != nil {
			s.logger.WithError(err).WithField("expert_id", expert.ID).
				Warn("Failed to commit same-time reassignment")
			continue
		}
		if err := s.expertRepo.TouchLastAssigned(expert.ID, now); err != nil {
			s.logger.WithError(err).WithField("expert_id", expert.ID).
				Error("Failed to record last assignment time")
		}
		booking.ExpertID = &expert.ID
		booking.AssignedAt = &now
		s.logger.WithFields(logrus.Fields{
			"booking_id": booking.ID,
			"expert_id":  expert.ID,
		}).Info("Booking reassigned at original time")
		return models.ReassignedSameTime, expert, nil
	}

	// Second pass: the earliest alternative slot on or after the original
	// date, committed immediately and flagged for the client to confirm
	for i := range candidates {
		expert := &candidates[i]
		if expert.ID == cancelledExpertID {
			continue
		}
		lock := s.expertLock(expert.ID)
		lock.Lock()
		newDate, newTime, ok := s.FindAlternativeSlot(expert, booking.ScheduledDate, booking.DurationMinutes, &booking.ID, time.Now())
		if !ok {
			lock.Unlock()
			continue
		}
		now := time.Now()
		err := s.bookingRepo.Reassign(booking.ID, expert.ID, newDate, newTime, true, now)
		lock.Unlock()
		if err != nil {
			s.logger.WithError(err).WithField("expert_id", expert.ID).
				Warn("Failed to commit alternative-time reassignment")
			continue
		}
		if err := s.expertRepo.TouchLastAssigned(expert.ID, now); err != nil {
			s.logger.WithError(err).WithField("expert_id", expert.ID).
				Error("Failed to record last assignment time")
		}
		booking.ExpertID = &expert.ID
		booking.AssignedAt = &now
		booking.ScheduledDate = newDate
		booking.ScheduledTime = newTime
		booking.PendingClientConfirmation = true
		s.logger.WithFields(logrus.Fields{
			"booking_id": booking.ID,
			"expert_id":  expert.ID,
			"new_date":   newDate,
			"new_time":   newTime,
		}).Info("Booking reassigned at alternative time, awaiting client confirmation")
		return models.ReassignedNewTime, expert, nil
	}

	return models.RefundRequired, nil, nil
}
