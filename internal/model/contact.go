package model

import (
	"slices"
	"time"
)

type ContactStatus string

const (
	ContactActive   ContactStatus = "active"
	ContactInactive ContactStatus = "inactive"
	ContactBlocked  ContactStatus = "blocked"
)

func (s ContactStatus) Valid() bool {
	switch s {
	case ContactActive, ContactInactive, ContactBlocked:
		return true
	}
	return false
}

// Contact is a person the agent has talked to. LastMessageAt tracks the last
// inbound message and is nil for contacts that never wrote.
type Contact struct {
	ID             int64         `json:"id"`
	Phone          string        `json:"phone"`
	Name           string        `json:"name,omitempty"`
	Status         ContactStatus `json:"status"`
	Tags           []string      `json:"tags,omitempty"`
	FirstMessageAt *time.Time    `json:"first_message_at,omitempty"`
	LastMessageAt  *time.Time    `json:"last_message_at,omitempty"`
	TotalMessages  int           `json:"total_messages"`
	LastVerifiedAt *time.Time    `json:"last_verified_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// HasTag matches exactly; "VIP" and "vip" are different tags.
func (c Contact) HasTag(tag string) bool {
	return slices.Contains(c.Tags, tag)
}

// Recipient is the snapshot of a contact taken when an audience is resolved.
type Recipient struct {
	ContactID   int64  `json:"contact_id"`
	Phone       string `json:"phone"`
	DisplayName string `json:"display_name,omitempty"`
}

func RecipientOf(c Contact) Recipient {
	return Recipient{ContactID: c.ID, Phone: c.Phone, DisplayName: c.Name}
}

// DeliveryStatus is the per-recipient outcome stored next to each job recipient.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryResponded DeliveryStatus = "responded"
)

// Delivery is a job recipient together with its outcome.
type Delivery struct {
	Recipient
	JobID       string         `json:"job_id"`
	Index       int            `json:"index"`
	Status      DeliveryStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
	RespondedAt *time.Time     `json:"responded_at,omitempty"`
}
