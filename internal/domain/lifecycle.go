package domain

import "time"

var allowedTransitions = map[TicketStatus][]TicketStatus{
	TicketStatusPending:    {TicketStatusProcessing, TicketStatusPending, TicketStatusFailed, TicketStatusResolved},
	TicketStatusProcessing: {TicketStatusProcessing, TicketStatusTriaged, TicketStatusFailed, TicketStatusResolved},
	TicketStatusTriaged:    {TicketStatusResolved},
	TicketStatusFailed:     {TicketStatusPending, TicketStatusResolved},
	TicketStatusResolved:   {},
}

// CanTransition reports whether a ticket may move from current to next.
func CanTransition(current, next TicketStatus) bool {
	for _, candidate := range allowedTransitions[current] {
		if candidate == next {
			return true
		}
	}
	return false
}

// SourcesFor lists every status from which next is reachable.
func SourcesFor(next TicketStatus) []TicketStatus {
	order := []TicketStatus{
		TicketStatusPending,
		TicketStatusProcessing,
		TicketStatusTriaged,
		TicketStatusFailed,
		TicketStatusResolved,
	}
	var sources []TicketStatus
	for _, from := range order {
		if CanTransition(from, next) {
			sources = append(sources, from)
		}
	}
	return sources
}

// Resolution carries the final reply written by an agent.
type Resolution struct {
	Reply string
	At    time.Time
}

// TicketPatch is an explicit set of field writes for one ticket update.
// Triage fields can only be written together through Triage, and the
// resolution fields only together through Resolution.
type TicketPatch struct {
	// ExpectStatus guards the write: it only applies while the stored status is one of these.
	ExpectStatus      []TicketStatus
	Status            *TicketStatus
	Triage            *TriageResult
	ErrorMessage      *string
	ClearErrorMessage bool
	RetryCount        *int
	Resolution        *Resolution
}

// Empty reports whether the patch writes nothing.
func (p TicketPatch) Empty() bool {
	return p.Status == nil && p.Triage == nil && p.ErrorMessage == nil && !p.ClearErrorMessage &&
		p.RetryCount == nil && p.Resolution == nil
}

// Allows reports whether the guard admits the given current status.
func (p TicketPatch) Allows(current TicketStatus) bool {
	if len(p.ExpectStatus) == 0 {
		return true
	}
	for _, s := range p.ExpectStatus {
		if s == current {
			return true
		}
	}
	return false
}

// Apply writes the patch onto t and bumps UpdatedAt.
func (p TicketPatch) Apply(t *Ticket, now time.Time) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Triage != nil {
		category := p.Triage.Category
		urgency := p.Triage.Urgency
		score := p.Triage.SentimentScore
		draft := p.Triage.Draft
		t.Category = category
		t.Urgency = &urgency
		t.SentimentScore = &score
		t.AIDraft = &draft
	}
	if p.ClearErrorMessage {
		t.ErrorMessage = nil
	}
	if p.ErrorMessage != nil {
		msg := *p.ErrorMessage
		t.ErrorMessage = &msg
	}
	if p.RetryCount != nil {
		t.RetryCount = *p.RetryCount
	}
	if p.Resolution != nil {
		reply := p.Resolution.Reply
		at := p.Resolution.At
		t.ResolvedReply = &reply
		t.ResolvedAt = &at
	}
	t.UpdatedAt = now
}

func statusPtr(s TicketStatus) *TicketStatus {
	return &s
}

// MarkProcessing moves a pending ticket into processing. Re-running it on a
// processing ticket is a no-op write, which keeps redelivery safe.
func MarkProcessing() TicketPatch {
	return TicketPatch{
		ExpectStatus: []TicketStatus{TicketStatusPending, TicketStatusProcessing},
		Status:       statusPtr(TicketStatusProcessing),
	}
}

// MarkTriaged persists a validated triage result in a single write.
func MarkTriaged(result TriageResult) TicketPatch {
	return TicketPatch{
		ExpectStatus:      []TicketStatus{TicketStatusProcessing},
		Status:            statusPtr(TicketStatusTriaged),
		Triage:            &result,
		ClearErrorMessage: true,
	}
}

// RecordAttemptError stores the latest failure detail without leaving processing.
func RecordAttemptError(detail string) TicketPatch {
	return TicketPatch{
		ExpectStatus: []TicketStatus{TicketStatusPending, TicketStatusProcessing},
		ErrorMessage: &detail,
	}
}

// MarkFailed records terminal failure after the attempt budget is spent.
func MarkFailed(detail string, attempts int) TicketPatch {
	return TicketPatch{
		ExpectStatus: []TicketStatus{TicketStatusPending, TicketStatusProcessing},
		Status:       statusPtr(TicketStatusFailed),
		ErrorMessage: &detail,
		RetryCount:   &attempts,
	}
}

// MarkPendingForRetry resets a failed or stuck pending ticket before re-enqueueing.
func MarkPendingForRetry() TicketPatch {
	return TicketPatch{
		ExpectStatus:      []TicketStatus{TicketStatusFailed, TicketStatusPending},
		Status:            statusPtr(TicketStatusPending),
		ClearErrorMessage: true,
	}
}

// MarkResolved closes a ticket with the agent's reply. It is accepted from any
// non-resolved status exactly once.
func MarkResolved(reply string, at time.Time) TicketPatch {
	return TicketPatch{
		ExpectStatus: SourcesFor(TicketStatusResolved),
		Status:       statusPtr(TicketStatusResolved),
		Resolution:   &Resolution{Reply: reply, At: at},
	}
}
