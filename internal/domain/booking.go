package domain

import (
	"strings"
	"time"
)

// BookingContext is the snapshot of a booking attempt handed to the risk
// evaluator by the booking subsystem. The evaluator never mutates it.
type BookingContext struct {
	BookingRef string `json:"bookingRef"`

	// UserRef is empty when the attempt precedes account linkage.
	UserRef string `json:"userRef,omitempty"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	// Temporal
	EventDate   time.Time `json:"eventDate"`
	SubmittedAt time.Time `json:"submittedAt"`

	// Submitter identity
	Email string `json:"email"`
	IP    string `json:"ip"`

	// Account history
	AccountAgeDays    int `json:"accountAgeDays"`
	CompletedBookings int `json:"completedBookings"`
	CancelledBookings int `json:"cancelledBookings"`

	// Optional metadata passed through to custom rules.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// DaysNotice returns the number of whole days between submission and the
// event date. Negative when the event date is in the past.
func (c *BookingContext) DaysNotice() int {
	return int(c.EventDate.Sub(c.SubmittedAt).Hours() / 24)
}

// EmailDomain returns the lowercased domain part of the submitter email,
// or "" when the email has no @.
func (c *BookingContext) EmailDomain() string {
	at := strings.LastIndex(c.Email, "@")
	if at < 0 || at == len(c.Email)-1 {
		return ""
	}
	return strings.ToLower(c.Email[at+1:])
}

// TotalBookings returns the user's completed plus cancelled booking count.
func (c *BookingContext) TotalBookings() int {
	return c.CompletedBookings + c.CancelledBookings
}

// CancelledFraction returns the fraction of the user's bookings that were
// cancelled, 0 when the user has no history.
func (c *BookingContext) CancelledFraction() float64 {
	total := c.TotalBookings()
	if total == 0 {
		return 0
	}
	return float64(c.CancelledBookings) / float64(total)
}

// EvaluateRequest is the API request payload for booking evaluation.
type EvaluateRequest struct {
	BookingRef  string                 `json:"bookingRef"`
	UserRef     string                 `json:"userRef,omitempty"`
	Amount      float64                `json:"amount"`
	Currency    string                 `json:"currency,omitempty"`
	EventDate   time.Time              `json:"eventDate"`
	SubmittedAt time.Time              `json:"submittedAt,omitempty"`
	Email       string                 `json:"email"`
	IP          string                 `json:"ip"`
	AccountAge  int                    `json:"accountAgeDays"`
	Completed   int                    `json:"completedBookings"`
	Cancelled   int                    `json:"cancelledBookings"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ToContext converts a request to a BookingContext. A missing submission
// time defaults to now.
func (r *EvaluateRequest) ToContext() *BookingContext {
	submitted := r.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now().UTC()
	}
	return &BookingContext{
		BookingRef:        r.BookingRef,
		UserRef:           r.UserRef,
		Amount:            r.Amount,
		Currency:          r.Currency,
		EventDate:         r.EventDate,
		SubmittedAt:       submitted,
		Email:             strings.TrimSpace(r.Email),
		IP:                strings.TrimSpace(r.IP),
		AccountAgeDays:    r.AccountAge,
		CompletedBookings: r.Completed,
		CancelledBookings: r.Cancelled,
		Metadata:          r.Metadata,
	}
}
