package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScanRequest(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	req, err := NewScanRequest("https://example.com", now)
	require.NoError(t, err)
	assert.Equal(t, StagePending, req.Stage())
	assert.Equal(t, "https://example.com", req.TargetURL())
	assert.Equal(t, now, req.CreatedAt())
	assert.NotEqual(t, [16]byte{}, [16]byte(req.ID()))
}

func TestValidateTargetURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "https", url: "https://example.com/path"},
		{name: "http with port", url: "http://example.com:8080"},
		{name: "ftp scheme", url: "ftp://example.com", wantErr: true},
		{name: "missing host", url: "https://", wantErr: true},
		{name: "relative", url: "example.com", wantErr: true},
		{name: "empty", url: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTargetURL(tt.url)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTarget)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCollaboratorError(t *testing.T) {
	cause := errors.New("boom")
	err := NewCollaboratorError("normalize", cause)

	assert.ErrorIs(t, err, ErrCollaboratorFailure)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "normalize: boom", err.Error())
}
