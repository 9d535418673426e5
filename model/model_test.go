package model_test

import (
	"testing"
	"time"

	"github.com/commission-vm/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMonth(t *testing.T) {
	tests := []struct {
		in        string
		year, num string
	}{
		{"2025-09", "2025", "09"},
		{"09-2025", "2025", "09"},
		{"2025/9", "2025", "09"},
		{"9.2025", "2025", "09"},
		{"202512", "2025", "12"},
		{"2024-01", "2024", "01"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			m, err := model.ParseMonth(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.year, m.Year)
			assert.Equal(t, tt.num, m.Number)
		})
	}
}

func TestParseMonthRejects(t *testing.T) {
	for _, in := range []string{"", "2025", "2025-13", "2025-00", "25-09", "2025-09-01"} {
		_, err := model.ParseMonth(in)
		assert.Error(t, err, in)
	}
}

func TestMonthString(t *testing.T) {
	m, err := model.ParseMonth("9/2025")
	require.NoError(t, err)
	assert.Equal(t, "2025-09", m.String())
	assert.Equal(t, 9, m.Int())
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]model.JobStatus{
		{model.StatusWaiting, model.StatusRunning},
		{model.StatusRunning, model.StatusOTP},
		{model.StatusRunning, model.StatusDone},
		{model.StatusRunning, model.StatusError},
		{model.StatusOTP, model.StatusOTP},
		{model.StatusOTP, model.StatusDone},
		{model.StatusOTP, model.StatusError},
	}
	for _, tr := range allowed {
		assert.True(t, model.CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]model.JobStatus{
		{model.StatusWaiting, model.StatusDone},
		{model.StatusWaiting, model.StatusOTP},
		{model.StatusOTP, model.StatusRunning},
		{model.StatusDone, model.StatusRunning},
		{model.StatusError, model.StatusDone},
	}
	for _, tr := range denied {
		assert.False(t, model.CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestEphemeralJob(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	job := model.NewEphemeralJob("u1", "clal", "2025-09", now)

	assert.Equal(t, "temp_1700000000123", job.ID)
	assert.True(t, job.Ephemeral())
	assert.Equal(t, model.StatusWaiting, job.Status)
	assert.False(t, (&model.Job{ID: "j1"}).Ephemeral())
}

func TestCredentialHelpers(t *testing.T) {
	no := false
	yes := true

	assert.True(t, model.Credential{NeedsOTP: &no}.OptsOutOfOTP())
	assert.False(t, model.Credential{NeedsOTP: &yes}.OptsOutOfOTP())
	assert.False(t, model.Credential{}.OptsOutOfOTP())

	assert.Equal(t, "4567", model.Credential{Phone: "0501234567"}.PhoneLastDigits())
	assert.Equal(t, "12", model.Credential{Phone: "12"}.PhoneLastDigits())
	assert.Equal(t, "b", model.FirstNonEmpty("", "b", "c"))
	assert.Equal(t, "", model.FirstNonEmpty())
}

func TestAllowedFrom(t *testing.T) {
	assert.Equal(t, []model.JobStatus{model.StatusWaiting}, model.AllowedFrom(model.StatusRunning))
	assert.Equal(t, []model.JobStatus{model.StatusRunning, model.StatusOTP}, model.AllowedFrom(model.StatusDone))
	assert.Equal(t, []model.JobStatus{model.StatusWaiting, model.StatusRunning, model.StatusOTP}, model.AllowedFrom(model.StatusError))
	assert.Empty(t, model.AllowedFrom(model.StatusWaiting))
}
