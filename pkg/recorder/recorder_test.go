package recorder

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/filbeam/spprobe/pkg/httpprobe"
	"github.com/filbeam/spprobe/pkg/retrieval"
	"github.com/filbeam/spprobe/pkg/types"
)

func TestRetrievalStatus(t *testing.T) {
	tests := []struct {
		name     string
		outcome  retrieval.Outcome
		expected string
	}{
		{
			name:     "success",
			outcome:  retrieval.Outcome{Validation: &types.ValidationResult{IsValid: true}},
			expected: StatusSuccess,
		},
		{
			name:     "aborted",
			outcome:  retrieval.Outcome{Err: fmt.Errorf("%w: deadline", types.ErrAborted)},
			expected: StatusFailureTimedOut,
		},
		{
			name:     "validation failed",
			outcome:  retrieval.Outcome{Validation: &types.ValidationResult{IsValid: false}},
			expected: StatusFailureValidation,
		},
		{
			name: "http error carries the code",
			outcome: retrieval.Outcome{
				Err:    fmt.Errorf("unexpected status 404"),
				Result: &httpprobe.Result{StatusCode: http.StatusNotFound},
			},
			expected: "failure.404",
		},
		{
			name:     "transport error without response",
			outcome:  retrieval.Outcome{Err: fmt.Errorf("connection refused")},
			expected: StatusFailureError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, RetrievalStatus(&tt.outcome))
		})
	}
}

func TestUploadStatus(t *testing.T) {
	tests := []struct {
		name     string
		deal     types.Deal
		failure  error
		expected string
	}{
		{"deal created", types.Deal{Status: types.DealStatusDealCreated}, nil, StatusSuccess},
		{"aborted", types.Deal{Status: types.DealStatusFailed}, fmt.Errorf("%w: over budget", types.ErrAborted), StatusFailureTimedOut},
		{"chain failure", types.Deal{Status: types.DealStatusFailed}, fmt.Errorf("tx reverted"), StatusFailureError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, uploadStatus(&tt.deal, tt.failure))
		})
	}
}

func TestProviderStatusLabel(t *testing.T) {
	assert.Equal(t, "approved", providerStatus(&types.StorageProvider{Approved: true}))
	assert.Equal(t, "unapproved", providerStatus(&types.StorageProvider{}))
}
