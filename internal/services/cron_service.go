package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/techvisa/expert-marketplace-backend/internal/database"
)

// CronService manages scheduled background jobs
type CronService struct {
	cron        *cron.Cron
	bookingRepo *database.BookingRepository
	bookingSvc  *BookingService
	disputeSvc  *DisputeService
	earningsSvc *EarningsService
	location    *time.Location
}

// NewCronService creates a new CronService
func NewCronService(
	bookingRepo *database.BookingRepository,
	bookingSvc *BookingService,
	disputeSvc *DisputeService,
	earningsSvc *EarningsService,
	location *time.Location,
) *CronService {
	// Create cron with seconds precision in the business timezone
	c := cron.New(cron.WithSeconds(), cron.WithLocation(location))

	return &CronService{
		cron:        c,
		bookingRepo: bookingRepo,
		bookingSvc:  bookingSvc,
		disputeSvc:  disputeSvc,
		earningsSvc: earningsSvc,
		location:    location,
	}
}

// Start starts all cron jobs
func (s *CronService) Start() error {
	log.Println("Starting cron service...")

	// Job 1: Auto-complete ended sessions daily at 1 AM
	// Cron format: second minute hour day month weekday
	_, err := s.cron.AddFunc("0 0 1 * * *", s.autoCompleteBookingsJob)
	if err != nil {
		return fmt.Errorf("failed to schedule auto-complete job: %w", err)
	}
	log.Println("✓ Scheduled: Auto-complete ended sessions (Daily at 1:00 AM)")

	// Job 2: Auto-resolve stale disputes daily at 2 AM
	_, err = s.cron.AddFunc("0 0 2 * * *", s.autoResolveDisputesJob)
	if err != nil {
		return fmt.Errorf("failed to schedule dispute resolution job: %w", err)
	}
	log.Println("✓ Scheduled: Auto-resolve stale disputes (Daily at 2:00 AM)")

	// Job 3: Weekly payouts on Friday at 6 PM
	_, err = s.cron.AddFunc("0 0 18 * * 5", s.weeklyPayoutsJob)
	if err != nil {
		return fmt.Errorf("failed to schedule weekly payouts job: %w", err)
	}
	log.Println("✓ Scheduled: Weekly expert payouts (Fridays at 6:00 PM)")

	// Job 4: Reconcile stuck payments hourly
	_, err = s.cron.AddFunc("0 30 * * * *", s.reconcilePaymentsJob)
	if err != nil {
		return fmt.Errorf("failed to schedule payment reconciliation job: %w", err)
	}
	log.Println("✓ Scheduled: Reconcile stuck payments (Hourly at :30)")

	// Start the cron scheduler
	s.cron.Start()
	log.Println("✓ Cron service started successfully")

	return nil
}

// Stop stops all cron jobs
func (s *CronService) Stop() {
	log.Println("Stopping cron service...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("✓ Cron service stopped")
}

// autoCompleteBookingsJob completes confirmed bookings whose session ended
// more than three business days ago. Bookings under dispute are not in
// confirmed status and are left alone.
func (s *CronService) autoCompleteBookingsJob() {
	log.Println("[CRON] Starting auto-complete job...")
	startTime := time.Now()

	completed, err := s.AutoCompleteBookings(context.Background(), time.Now().In(s.location))
	if err != nil {
		log.Printf("[CRON ERROR] Failed to auto-complete bookings: %v\n", err)
		return
	}

	duration := time.Since(startTime)
	log.Printf("[CRON] ✓ Auto-completed %d bookings in %v\n", completed, duration)
}

// AutoCompleteBookings runs one auto-completion sweep at the given instant
func (s *CronService) AutoCompleteBookings(ctx context.Context, now time.Time) (int, error) {
	threshold := subtractBusinessDays(now, 3)

	bookings, err := s.bookingRepo.ListConfirmedEndedBefore(threshold.Format("2006-01-02"))
	if err != nil {
		return 0, fmt.Errorf("failed to list ended bookings: %w", err)
	}

	completed := 0
	for i := range bookings {
		booking := &bookings[i]
		sessionEnd, err := booking.SessionEnd(s.location)
		if err != nil {
			log.Printf("[CRON] Skipping booking %s with unparseable schedule: %v\n", booking.ID, err)
			continue
		}
		if !sessionEnd.Before(threshold) {
			continue
		}
		if err := s.bookingSvc.AutoComplete(ctx, booking); err != nil {
			log.Printf("[CRON ERROR] Failed to auto-complete booking %s: %v\n", booking.ID, err)
			continue
		}
		completed++
	}

	return completed, nil
}

// autoResolveDisputesJob settles disputes that have gone unanswered too long
func (s *CronService) autoResolveDisputesJob() {
	log.Println("[CRON] Starting dispute auto-resolution job...")
	startTime := time.Now()

	resolved, err := s.disputeSvc.AutoResolveStale(context.Background(), time.Now().In(s.location))
	if err != nil {
		log.Printf("[CRON ERROR] Failed to auto-resolve disputes: %v\n", err)
		return
	}

	duration := time.Since(startTime)
	log.Printf("[CRON] ✓ Auto-resolved %d disputes in %v\n", resolved, duration)
}

// weeklyPayoutsJob pays out every expert's Monday-to-Friday earnings
func (s *CronService) weeklyPayoutsJob() {
	log.Println("[CRON] Starting weekly payouts job...")
	startTime := time.Now()

	results, err := s.earningsSvc.RunWeeklyPayouts(context.Background(), time.Now().In(s.location))
	if err != nil {
		log.Printf("[CRON ERROR] Failed to run weekly payouts: %v\n", err)
		return
	}

	duration := time.Since(startTime)
	log.Printf("[CRON] ✓ Paid out %d experts in %v\n", len(results), duration)
}

// reconcilePaymentsJob resolves bookings stuck awaiting payment by asking
// the provider what actually happened
func (s *CronService) reconcilePaymentsJob() {
	log.Println("[CRON] Starting payment reconciliation job...")
	startTime := time.Now()

	reconciled, err := s.ReconcileStuckPayments(context.Background(), time.Now())
	if err != nil {
		log.Printf("[CRON ERROR] Failed to reconcile payments: %v\n", err)
		return
	}

	duration := time.Since(startTime)
	log.Printf("[CRON] ✓ Reconciled %d stuck payments in %v\n", reconciled, duration)
}

// ReconcileStuckPayments runs one reconciliation sweep over bookings that
// have sat in pending_payment for over an hour
func (s *CronService) ReconcileStuckPayments(ctx context.Context, now time.Time) (int, error) {
	bookings, err := s.bookingRepo.ListPendingPaymentOlderThan(now.Add(-time.Hour))
	if err != nil {
		return 0, fmt.Errorf("failed to list stuck bookings: %w", err)
	}

	reconciled := 0
	for i := range bookings {
		booking := &bookings[i]
		intent, err := s.bookingSvc.payments.stripe.RetrievePaymentIntent(*booking.PaymentIntentID)
		if err != nil {
			log.Printf("[CRON ERROR] Failed to check intent for booking %s: %v\n", booking.ID, err)
			continue
		}

		switch intent.Status {
		case "succeeded":
			if err := s.bookingSvc.HandlePaymentSucceeded(ctx, intent.ID); err != nil {
				log.Printf("[CRON ERROR] Failed to confirm reconciled booking %s: %v\n", booking.ID, err)
				continue
			}
			reconciled++
		case "canceled":
			if err := s.bookingSvc.HandlePaymentFailed(ctx, intent.ID); err != nil {
				log.Printf("[CRON ERROR] Failed to cancel reconciled booking %s: %v\n", booking.ID, err)
				continue
			}
			reconciled++
		default:
			// Still in flight at the provider, leave it for the next sweep
		}
	}

	return reconciled, nil
}

// GetJobStatus returns the status of scheduled jobs
func (s *CronService) GetJobStatus() map[string]interface{} {
	entries := s.cron.Entries()

	jobs := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		jobs = append(jobs, map[string]interface{}{
			"id":       entry.ID,
			"next_run": entry.Next,
			"prev_run": entry.Prev,
		})
	}

	return map[string]interface{}{
		"running":   len(entries) > 0,
		"job_count": len(entries),
		"jobs":      jobs,
	}
}
