package domain

import "time"

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusPending    TicketStatus = "PENDING"
	TicketStatusProcessing TicketStatus = "PROCESSING"
	TicketStatusTriaged    TicketStatus = "TRIAGED"
	TicketStatusResolved   TicketStatus = "RESOLVED"
	TicketStatusFailed     TicketStatus = "FAILED"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusPending, TicketStatusProcessing, TicketStatusTriaged, TicketStatusResolved, TicketStatusFailed:
		return true
	}
	return false
}

// Category enumerates the triage buckets.
type Category string

const (
	CategoryBilling        Category = "BILLING"
	CategoryTechnical      Category = "TECHNICAL"
	CategoryFeatureRequest Category = "FEATURE_REQUEST"
	CategoryUncategorized  Category = "UNCATEGORIZED"
)

// Valid reports whether the category is known, UNCATEGORIZED included.
func (c Category) Valid() bool {
	switch c {
	case CategoryBilling, CategoryTechnical, CategoryFeatureRequest, CategoryUncategorized:
		return true
	}
	return false
}

// Urgency enumerates how quickly a ticket needs attention.
type Urgency string

const (
	UrgencyHigh   Urgency = "HIGH"
	UrgencyMedium Urgency = "MEDIUM"
	UrgencyLow    Urgency = "LOW"
)

// Valid reports whether the urgency is known.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyHigh, UrgencyMedium, UrgencyLow:
		return true
	}
	return false
}

// Ticket is the aggregate for customer complaints.
type Ticket struct {
	ID             string
	CustomerName   string
	CustomerEmail  string
	Subject        string
	Complaint      string
	Status         TicketStatus
	Category       Category
	Urgency        *Urgency
	SentimentScore *int
	AIDraft        *string
	ResolvedReply  *string
	ErrorMessage   *string
	RetryCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ResolvedAt     *time.Time
}

// IsTriaged reports whether all triage-derived fields are present.
func (t *Ticket) IsTriaged() bool {
	return t.Urgency != nil && t.SentimentScore != nil && t.AIDraft != nil && t.Category != CategoryUncategorized
}

// HasPartialTriage reports a ticket that carries some, but not all, triage fields.
func (t *Ticket) HasPartialTriage() bool {
	set := 0
	if t.Category != "" && t.Category != CategoryUncategorized {
		set++
	}
	if t.Urgency != nil {
		set++
	}
	if t.SentimentScore != nil {
		set++
	}
	if t.AIDraft != nil {
		set++
	}
	return set != 0 && set != 4
}

// Clone returns a deep copy so callers can hand out tickets without sharing pointers.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	if t.Urgency != nil {
		u := *t.Urgency
		c.Urgency = &u
	}
	if t.SentimentScore != nil {
		s := *t.SentimentScore
		c.SentimentScore = &s
	}
	c.AIDraft = cloneString(t.AIDraft)
	c.ResolvedReply = cloneString(t.ResolvedReply)
	c.ErrorMessage = cloneString(t.ErrorMessage)
	if t.ResolvedAt != nil {
		r := *t.ResolvedAt
		c.ResolvedAt = &r
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
