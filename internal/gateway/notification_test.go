package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qs3c/pay_go_server/internal/model"
)

func TestNotification_Validate(t *testing.T) {
	tests := []struct {
		name    string
		notif   Notification
		wantErr bool
	}{
		{
			name: "valid success",
			notif: Notification{
				CorrelationID:   "corr-1",
				OperationResult: ResultSuccess,
				OperationMode:   model.OpChargeAndCreateToken,
			},
		},
		{
			name: "valid failure",
			notif: Notification{
				CorrelationID:   "corr-1",
				OperationResult: ResultFailure,
				OperationMode:   model.OpChargeOnly,
			},
		},
		{
			name: "missing correlation id",
			notif: Notification{
				OperationResult: ResultSuccess,
				OperationMode:   model.OpChargeOnly,
			},
			wantErr: true,
		},
		{
			name: "unknown result",
			notif: Notification{
				CorrelationID:   "corr-1",
				OperationResult: "maybe",
				OperationMode:   model.OpChargeOnly,
			},
			wantErr: true,
		},
		{
			name: "unknown operation mode",
			notif: Notification{
				CorrelationID:   "corr-1",
				OperationResult: ResultSuccess,
				OperationMode:   "charge_everything",
			},
			wantErr: true,
		},
		{
			name:    "empty",
			notif:   Notification{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.notif.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedNotification)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistrationRef_RoundTrip(t *testing.T) {
	ref := EncodeRegistrationRef(42)
	assert.Equal(t, "temp_reg_42", ref)

	id, ok := DecodeRegistrationRef(ref)
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)
}

func TestDecodeRegistrationRef_Invalid(t *testing.T) {
	for _, value := range []string{"", "temp_reg_", "temp_reg_abc", "temp_reg_-3", "temp_reg_0", "user_42"} {
		_, ok := DecodeRegistrationRef(value)
		assert.False(t, ok, "expected %q to be rejected", value)
	}
}
