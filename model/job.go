// Package model holds the records that move between the queue, the session and the stores.
package model

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus is the persisted lifecycle state of a job.
type JobStatus string

const (
	StatusWaiting JobStatus = "waiting"
	StatusRunning JobStatus = "running"
	StatusOTP     JobStatus = "otp"
	StatusDone    JobStatus = "done"
	StatusError   JobStatus = "error"
)

// EphemeralPrefix marks ad-hoc jobs that are never written to the store.
const EphemeralPrefix = "temp_"

// Job is one report download: one site, one user, one month.
type Job struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	SiteID       string    `json:"site_id"`
	Month        string    `json:"month"`
	Status       JobStatus `json:"status"`
	FileURL      string    `json:"file_url,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Ephemeral reports whether the job is an ad-hoc run with no stored row.
func (j *Job) Ephemeral() bool {
	return IsEphemeralID(j.ID)
}

func IsEphemeralID(id string) bool {
	return strings.HasPrefix(id, EphemeralPrefix)
}

// NewEphemeralJob synthesizes an ad-hoc job record.
func NewEphemeralJob(userID, siteID, month string, now time.Time) *Job {
	return &Job{
		ID:        fmt.Sprintf("%s%d", EphemeralPrefix, now.UnixMilli()),
		UserID:    userID,
		SiteID:    siteID,
		Month:     month,
		Status:    StatusWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// CanTransition follows waiting -> running -> (otp ->)* done|error.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case StatusWaiting:
		return to == StatusRunning || to == StatusError
	case StatusRunning:
		return to == StatusOTP || to == StatusDone || to == StatusError
	case StatusOTP:
		return to == StatusOTP || to == StatusDone || to == StatusError
	}
	return false
}

// StatusUpdate is a partial write to a job row.
type StatusUpdate struct {
	Status       JobStatus
	FileURL      string
	ErrorMessage string
}

// AllowedFrom lists the statuses a job may be in before moving to to.
func AllowedFrom(to JobStatus) []JobStatus {
	var out []JobStatus
	for _, from := range []JobStatus{StatusWaiting, StatusRunning, StatusOTP, StatusDone, StatusError} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
