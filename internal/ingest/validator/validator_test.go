package validator

import (
	"errors"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/ingest"
	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rpmKey() map[string]string {
	return map[string]string{"name": "walrus", "epoch": "0", "version": "5.21", "release": "1", "arch": "noarch"}
}

func TestParseOffset(t *testing.T) {
	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{"0", 0, false},
		{"1048576", 1048576, false},
		{"", 0, true},
		{"-1", 0, true},
		{"ten", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseOffset(tt.raw)
		if tt.wantErr {
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got)
	}
}

func TestValidateFinalizeRequest(t *testing.T) {
	req := &ingest.FinalizeRequest{Size: 10, UnitType: "RPM", UnitKey: rpmKey()}
	require.NoError(t, ValidateFinalizeRequest(req))
	assert.Equal(t, "rpm", req.UnitType)

	err := ValidateFinalizeRequest(&ingest.FinalizeRequest{Size: -1, UnitType: "iso"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "size")
	assert.Contains(t, verr.Fields, "unit_type")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	err = ValidateFinalizeRequest(&ingest.FinalizeRequest{UnitType: "rpm", UnitKey: map[string]string{"name": "walrus"}})
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields["unit_key"], "arch")
}

func TestValidationErrorIsSorted(t *testing.T) {
	err := &ValidationError{Fields: map[string]string{"size": "bad", "metadata": "worse"}}
	assert.Equal(t, "metadata: worse; size: bad", err.Error())
}
