package apperr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/commission-vm/apperr"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"op and msg", apperr.FormField("fill login", "missing %s", "password"), "fill login: missing password"},
		{"no op", apperr.New(apperr.KindDownload, "", "no download control"), "no download control"},
		{"wrapped cause", apperr.Wrap(apperr.KindStorage, "upload", errors.New("403")), "upload: 403"},
		{"msg and cause", apperr.Wrapf(apperr.KindStorage, "upload", errors.New("403"), "bucket %s", "reports"), "upload: bucket reports: 403"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestKindThroughWrapping(t *testing.T) {
	base := apperr.OTPTimeout("await otp", "OTP not provided within 3m0s")
	wrapped := fmt.Errorf("job j2: %w", base)

	assert.Equal(t, apperr.KindOTPTimeout, apperr.KindOf(wrapped))
	assert.True(t, apperr.Is(wrapped, apperr.KindOTPTimeout))
	assert.False(t, apperr.Is(wrapped, apperr.KindDownload))
	assert.False(t, apperr.Is(nil, apperr.KindDownload))
	assert.Equal(t, apperr.Kind(""), apperr.KindOf(errors.New("plain")))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, apperr.Wrap(apperr.KindStorage, "upload", nil))
	assert.NoError(t, apperr.Wrapf(apperr.KindStorage, "upload", nil, "x"))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := apperr.Wrap(apperr.KindStorage, "upload", cause)
	assert.ErrorIs(t, err, cause)
}
