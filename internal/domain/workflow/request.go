package workflow

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// ScanRequest is one scan lifecycle instance. Its stage only changes through
// the state machine; the struct is a read model.
type ScanRequest struct {
	id        uuid.UUID
	targetURL string
	stage     Stage
	createdAt time.Time
	updatedAt time.Time
}

// NewScanRequest creates a request in the initial stage.
func NewScanRequest(targetURL string, now time.Time) (*ScanRequest, error) {
	if err := ValidateTargetURL(targetURL); err != nil {
		return nil, err
	}

	return &ScanRequest{
		id:        uuid.New(),
		targetURL: targetURL,
		stage:     StagePending,
		createdAt: now.UTC(),
		updatedAt: now.UTC(),
	}, nil
}

// ReconstructScanRequest rebuilds a request from storage.
func ReconstructScanRequest(id uuid.UUID, targetURL string, stage Stage, createdAt, updatedAt time.Time) *ScanRequest {
	return &ScanRequest{
		id:        id,
		targetURL: targetURL,
		stage:     stage,
		createdAt: createdAt,
		updatedAt: updatedAt,
	}
}

// ValidateTargetURL accepts absolute http(s) URLs with a host.
func ValidateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidTarget)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	return nil
}

// ID returns the request identifier.
func (r *ScanRequest) ID() uuid.UUID { return r.id }

// TargetURL returns the scanned website.
func (r *ScanRequest) TargetURL() string { return r.targetURL }

// Stage returns the stage as of the read that produced this value.
func (r *ScanRequest) Stage() Stage { return r.stage }

// CreatedAt returns when the request was submitted.
func (r *ScanRequest) CreatedAt() time.Time { return r.createdAt }

// UpdatedAt returns when the stage last changed.
func (r *ScanRequest) UpdatedAt() time.Time { return r.updatedAt }
