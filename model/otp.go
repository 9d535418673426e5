package model

import (
	"time"

	"github.com/google/uuid"
)

// OtpStatus is the lifecycle of one OTP request.
type OtpStatus string

const (
	OtpWaiting   OtpStatus = "waiting"
	OtpSubmitted OtpStatus = "submitted"
	OtpConsumed  OtpStatus = "consumed"
	OtpTimeout   OtpStatus = "timeout"
)

// OtpRequest is created when a login reaches an OTP challenge and consumed at most once.
type OtpRequest struct {
	ID              string    `json:"id"`
	JobID           string    `json:"job_id"`
	SiteID          string    `json:"site_id"`
	SiteName        string    `json:"site,omitempty"`
	Status          OtpStatus `json:"status"`
	Code            string    `json:"otp,omitempty"`
	PhoneLastDigits string    `json:"phone_last_digits,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func NewOtpRequestID() string {
	return uuid.NewString()
}

// Open reports whether the request still waits for or holds an unconsumed code.
func (r *OtpRequest) Open() bool {
	return r.Status == OtpWaiting || r.Status == OtpSubmitted
}
