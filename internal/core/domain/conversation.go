// Package domain holds the canonical types shared by every dialog-core
// component: conversation identity, the persisted dialog context, the
// per-conversation processing record, and the intent structures exchanged
// with the interpreter and executor collaborators.
package domain

import (
	"fmt"
	"time"

	"github.com/mitchellh/copystructure"
)

// ConversationID identifies one end-user's conversation within a tenant.
// IDs are never reused across tenants.
type ConversationID struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

// Key returns the stable storage key for this conversation.
func (c ConversationID) Key() string {
	return c.TenantID + ":" + c.UserID
}

func (c ConversationID) String() string {
	return c.Key()
}

// IsZero reports whether the ID is empty.
func (c ConversationID) IsZero() bool {
	return c.TenantID == "" && c.UserID == ""
}

// Fingerprint returns the minimal context identity used in cache keys.
// It deliberately excludes volatile fields (timestamps, turn history) so
// identical phrasing by the same user hits the cache within TTL.
func (c ConversationID) Fingerprint() string {
	return fmt.Sprintf("%s/%s", c.TenantID, c.UserID)
}

// ExpectedReplyType is the closed set of answers the bot may be waiting for.
type ExpectedReplyType string

const (
	ReplyTypeNameRequest    ExpectedReplyType = "name_request"
	ReplyTypeDateSelection  ExpectedReplyType = "date_selection"
	ReplyTypeStaffSelection ExpectedReplyType = "staff_selection"
	ReplyTypeConfirmation   ExpectedReplyType = "confirmation"
	ReplyTypeUnknown        ExpectedReplyType = "unknown"
)

// Valid reports whether the value is a member of the closed enumeration.
// Unknown values are rejected at the store boundary.
func (t ExpectedReplyType) Valid() bool {
	switch t {
	case ReplyTypeNameRequest, ReplyTypeDateSelection, ReplyTypeStaffSelection,
		ReplyTypeConfirmation, ReplyTypeUnknown, "":
		return true
	}
	return false
}

// ProcessingStatus is the lifecycle of turning one batch into a reply.
type ProcessingStatus string

const (
	StatusIdle         ProcessingStatus = "idle"
	StatusPending      ProcessingStatus = "pending"
	StatusInterpreting ProcessingStatus = "interpreting"
	StatusInterpreted  ProcessingStatus = "interpreted"
	StatusExecuting    ProcessingStatus = "executing"
	StatusCompleted    ProcessingStatus = "completed"
	StatusFailed       ProcessingStatus = "failed"
)

// Terminal reports whether the status ends a processing cycle.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Claimable reports whether a new claim may be taken while in this status.
// Only idle, absent, and terminal statuses are claimable; everything else
// means another worker owns the conversation.
func (s ProcessingStatus) Claimable() bool {
	return s == "" || s == StatusIdle || s.Terminal()
}

// Valid reports whether the value is a member of the closed enumeration.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case "", StatusIdle, StatusPending, StatusInterpreting, StatusInterpreted,
		StatusExecuting, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Turn is a single message in the recent conversation history.
type Turn struct {
	Role    string    `json:"role"` // "user" or "assistant"
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Selection holds the booking choices accumulated so far.
type Selection struct {
	Service string `json:"service,omitempty"`
	Staff   string `json:"staff,omitempty"`
	Date    string `json:"date,omitempty"`
	Time    string `json:"time,omitempty"`
}

// ProcessingResult is the terminal outcome recorded when a claim is released.
type ProcessingResult struct {
	Reply       string    `json:"reply,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// ProcessingRecord is the in-flight work marker stored inside DialogContext.
// At most one record per conversation may be non-terminal at any instant;
// the tracker enforces this before any pipeline work begins.
type ProcessingRecord struct {
	Status      ProcessingStatus  `json:"status"`
	MessageText string            `json:"message_text,omitempty"`
	StartedAt   time.Time         `json:"started_at,omitempty"`
	Result      *ProcessingResult `json:"result,omitempty"`
}

// DialogContext is the persisted per-conversation record.
type DialogContext struct {
	ID                ConversationID    `json:"id"`
	Turns             []Turn            `json:"turns,omitempty"`
	Selection         Selection         `json:"selection"`
	LastBotQuestion   string            `json:"last_bot_question,omitempty"`
	ExpectedReplyType ExpectedReplyType `json:"expected_reply_type,omitempty"`
	MentionedServices []string          `json:"mentioned_services,omitempty"`
	MentionedDates    []string          `json:"mentioned_dates,omitempty"`
	MentionedTimes    []string          `json:"mentioned_times,omitempty"`
	Processing        ProcessingRecord  `json:"processing"`
	UpdatedAt         time.Time         `json:"updated_at"`
	ExpiresAt         time.Time         `json:"expires_at,omitempty"`
}

// Expired reports whether the context has outlived its TTL at the given time.
func (d *DialogContext) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt)
}

// Clone returns a deep copy of the context. Callers receive isolated values
// so mutating a snapshot never corrupts stored state.
func (d *DialogContext) Clone() *DialogContext {
	if d == nil {
		return nil
	}
	cp, err := copystructure.Copy(*d)
	if err != nil {
		// DialogContext contains only plain data; Copy cannot fail on it.
		panic(fmt.Sprintf("clone dialog context: %v", err))
	}
	out := cp.(DialogContext)
	return &out
}

// ContextUpdate is a partial merge applied to a stored DialogContext.
// Nil pointer fields are left untouched; slice fields are unioned; Turns
// are appended. Merges are last-writer-wins per field and are only ever
// applied by the worker holding the conversation claim.
type ContextUpdate struct {
	AppendTurns       []Turn
	Selection         *Selection
	LastBotQuestion   *string
	ExpectedReplyType *ExpectedReplyType
	MentionedServices []string
	MentionedDates    []string
	MentionedTimes    []string
	Processing        *ProcessingRecord
	ExpiresAt         *time.Time
}

// Validate rejects updates carrying values outside the closed enumerations.
func (u *ContextUpdate) Validate() error {
	if u.ExpectedReplyType != nil && !u.ExpectedReplyType.Valid() {
		return fmt.Errorf("invalid expected reply type %q", *u.ExpectedReplyType)
	}
	if u.Processing != nil && !u.Processing.Status.Valid() {
		return fmt.Errorf("invalid processing status %q", u.Processing.Status)
	}
	return nil
}

// ApplyTo merges the update into the given context in place.
func (u *ContextUpdate) ApplyTo(d *DialogContext, now time.Time) {
	if len(u.AppendTurns) > 0 {
		d.Turns = append(d.Turns, u.AppendTurns...)
	}
	if u.Selection != nil {
		if u.Selection.Service != "" {
			d.Selection.Service = u.Selection.Service
		}
		if u.Selection.Staff != "" {
			d.Selection.Staff = u.Selection.Staff
		}
		if u.Selection.Date != "" {
			d.Selection.Date = u.Selection.Date
		}
		if u.Selection.Time != "" {
			d.Selection.Time = u.Selection.Time
		}
	}
	if u.LastBotQuestion != nil {
		d.LastBotQuestion = *u.LastBotQuestion
	}
	if u.ExpectedReplyType != nil {
		d.ExpectedReplyType = *u.ExpectedReplyType
	}
	d.MentionedServices = unionStrings(d.MentionedServices, u.MentionedServices)
	d.MentionedDates = unionStrings(d.MentionedDates, u.MentionedDates)
	d.MentionedTimes = unionStrings(d.MentionedTimes, u.MentionedTimes)
	if u.Processing != nil {
		d.Processing = *u.Processing
	}
	if u.ExpiresAt != nil {
		d.ExpiresAt = *u.ExpiresAt
	}
	d.UpdatedAt = now
}

// unionStrings appends the members of add not already present in base,
// preserving first-seen order.
func unionStrings(base, add []string) []string {
	if len(add) == 0 {
		return base
	}
	seen := make(map[string]struct{}, len(base))
	for _, s := range base {
		seen[s] = struct{}{}
	}
	for _, s := range add {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		base = append(base, s)
	}
	return base
}
