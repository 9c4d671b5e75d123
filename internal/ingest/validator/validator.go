// Package validator checks upload API input and reports per-field problems.
package validator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/content"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/ingest"
	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
)

const (
	maxRepoIDLength   = 255
	maxMetadataFields = 64
	maxFieldLength    = 4096
)

// ValidationError holds per-field validation failure messages. It matches
// apperrors.ErrInvalidInput.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		names = append(names, field)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, field := range names {
		parts[i] = fmt.Sprintf("%s: %s", field, e.Fields[field])
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return apperrors.ErrInvalidInput
}

// ParseOffset reads the offset query parameter of a chunk request.
func ParseOffset(raw string) (int64, error) {
	if raw == "" {
		return 0, &ValidationError{Fields: map[string]string{"offset": "offset is required"}}
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || offset < 0 {
		return 0, &ValidationError{Fields: map[string]string{"offset": "offset must be a non-negative integer"}}
	}
	return offset, nil
}

// ValidateFinalizeRequest checks the unit description sent with finalize.
func ValidateFinalizeRequest(req *ingest.FinalizeRequest) error {
	errs := make(map[string]string)

	if req.Size < 0 {
		errs["size"] = "size must not be negative"
	}
	unitType, err := content.ParseUnitType(req.UnitType)
	if err != nil {
		errs["unit_type"] = fmt.Sprintf("unknown unit type %q", req.UnitType)
	} else if err := unitType.ValidateKey(req.UnitKey); err != nil {
		errs["unit_key"] = fmt.Sprintf("%s units need %s", unitType, strings.Join(unitType.KeyFields(), ", "))
	}
	if len(req.RepoID) > maxRepoIDLength {
		errs["repo_id"] = fmt.Sprintf("repo id must be at most %d characters", maxRepoIDLength)
	}
	if len(req.Metadata) > maxMetadataFields {
		errs["metadata"] = fmt.Sprintf("at most %d metadata fields are allowed", maxMetadataFields)
	}
	for k, v := range req.Metadata {
		if len(k) > maxFieldLength || len(v) > maxFieldLength {
			errs["metadata"] = fmt.Sprintf("metadata keys and values must be at most %d characters", maxFieldLength)
			break
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	req.UnitType = string(unitType)
	return nil
}
