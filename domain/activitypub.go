package domain

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

type RelationshipState string

const (
	RelationshipPending  RelationshipState = "Pending"
	RelationshipAccepted RelationshipState = "Accepted"
	RelationshipRejected RelationshipState = "Rejected"
)

// Relationship is a follow edge follower -> followee.
type Relationship struct {
	Follower   string            `json:"follower"`
	Followee   string            `json:"followee"`
	ActivityID string            `json:"activityId"`
	State      RelationshipState `json:"state"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// FollowerSet is the followers document of one followee, keyed by follower.
type FollowerSet struct {
	Followee string                   `json:"followee"`
	Entries  map[string]*Relationship `json:"entries"`
}

// Accepted returns accepted follower IRIs in a stable order.
func (s *FollowerSet) Accepted() []string {
	if s == nil {
		return nil
	}
	var out []string
	for follower, rel := range s.Entries {
		if rel.State == RelationshipAccepted {
			out = append(out, follower)
		}
	}
	sort.Strings(out)
	return out
}

// StoredActivity is the immutable record of an activity, local or remote.
type StoredActivity struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Actor      string          `json:"actor"`
	Object     string          `json:"object,omitempty"`
	Raw        json.RawMessage `json:"raw"`
	Local      bool            `json:"local"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Receipt marks that an activity has been applied for a receiver.
type Receipt struct {
	Receiver   string    `json:"receiver"`
	ActivityID string    `json:"activityId"`
	AppliedAt  time.Time `json:"appliedAt"`
}

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "Pending"
	DeliveryInFlight  DeliveryState = "InFlight"
	DeliveryDelivered DeliveryState = "Delivered"
	DeliveryFailed    DeliveryState = "Failed"
)

// DeliveryJob is one (activity, destination inbox) delivery.
type DeliveryJob struct {
	ID            uuid.UUID     `json:"id"`
	ActivityID    string        `json:"activityId"`
	Actor         string        `json:"actor"`
	Inbox         string        `json:"inbox"`
	Recipients    []string      `json:"recipients,omitempty"`
	Attempts      int           `json:"attempts"`
	State         DeliveryState `json:"state"`
	LastError     string        `json:"lastError,omitempty"`
	LastStatus    int           `json:"lastStatus,omitempty"`
	NextAttemptAt time.Time     `json:"nextAttemptAt"`
	// LeaseOwner and LeaseUntil are set while an engine holds the job
	// InFlight; an expired lease can be claimed by any engine.
	LeaseOwner string    `json:"leaseOwner,omitempty"`
	LeaseUntil time.Time `json:"leaseUntil,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (j *DeliveryJob) Terminal() bool {
	return j.State == DeliveryDelivered || j.State == DeliveryFailed
}

// Leased reports whether an engine holds the job at now.
func (j *DeliveryJob) Leased(now time.Time) bool {
	return j.State == DeliveryInFlight && j.LeaseUntil.After(now)
}

// DueAt is when the job can next be attempted.
func (j *DeliveryJob) DueAt() time.Time {
	if j.State == DeliveryInFlight {
		return j.LeaseUntil
	}
	return j.NextAttemptAt
}
