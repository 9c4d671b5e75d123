// Package content defines the repository content model shared by contentd
// and rpmctl: units, the criteria used to select them, and the record
// sources bulk workflows page through.
package content

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
)

// UnitType names a kind of repository content.
type UnitType string

const (
	TypeRPM                UnitType = "rpm"
	TypeSRPM               UnitType = "srpm"
	TypeDRPM               UnitType = "drpm"
	TypeErratum            UnitType = "erratum"
	TypePackageGroup       UnitType = "package_group"
	TypePackageCategory    UnitType = "package_category"
	TypePackageEnvironment UnitType = "package_environment"
	TypeDistribution       UnitType = "distribution"
)

// AllTypes lists every known unit type.
var AllTypes = []UnitType{
	TypeRPM, TypeSRPM, TypeDRPM, TypeErratum,
	TypePackageGroup, TypePackageCategory, TypePackageEnvironment, TypeDistribution,
}

// keyFields are the unit key fields each type requires.
var keyFields = map[UnitType][]string{
	TypeRPM:                {"name", "epoch", "version", "release", "arch"},
	TypeSRPM:               {"name", "epoch", "version", "release", "arch"},
	TypeDRPM:               {"filename"},
	TypeErratum:            {"id"},
	TypePackageGroup:       {"id", "repo_id"},
	TypePackageCategory:    {"id", "repo_id"},
	TypePackageEnvironment: {"id", "repo_id"},
	TypeDistribution:       {"distribution_id", "family", "variant", "version", "arch"},
}

// fileless types are created from a unit key and metadata alone.
var fileless = map[UnitType]bool{
	TypeErratum:            true,
	TypePackageGroup:       true,
	TypePackageCategory:    true,
	TypePackageEnvironment: true,
}

// CarriesFile reports whether units of type t are uploaded with a file.
func (t UnitType) CarriesFile() bool {
	return !fileless[t]
}

// ParseUnitType validates s as a unit type.
func ParseUnitType(s string) (UnitType, error) {
	t := UnitType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := keyFields[t]; !ok {
		return "", apperrors.Newf(apperrors.ErrInvalidInput, 0, "unknown unit type %q", s)
	}
	return t, nil
}

// ParseUnitTypes parses a comma-separated list. An empty string yields nil,
// meaning every type.
func ParseUnitTypes(s string) ([]UnitType, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var types []UnitType
	for _, part := range strings.Split(s, ",") {
		t, err := ParseUnitType(part)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(types, t) {
			types = append(types, t)
		}
	}
	return types, nil
}

// KeyFields returns the unit key fields t requires.
func (t UnitType) KeyFields() []string {
	return slices.Clone(keyFields[t])
}

// ValidateKey reports missing unit key fields for t.
func (t UnitType) ValidateKey(key map[string]string) error {
	fields, ok := keyFields[t]
	if !ok {
		return apperrors.Newf(apperrors.ErrInvalidInput, 0, "unknown unit type %q", t)
	}
	var missing []string
	for _, f := range fields {
		if strings.TrimSpace(key[f]) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return apperrors.Newf(apperrors.ErrInvalidInput, 0, "%s unit key is missing %s", t, strings.Join(missing, ", "))
	}
	return nil
}

// Unit is one piece of content associated with a repository.
type Unit struct {
	ID        string            `json:"id"`
	Type      UnitType          `json:"unit_type"`
	Key       map[string]string `json:"unit_key"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	RepoID    string            `json:"repo_id,omitempty"`
	UploadID  string            `json:"upload_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// String renders the unit key in a stable order, for CLI output and logs.
func (u Unit) String() string {
	keys := slices.Sorted(maps.Keys(u.Key))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+u.Key[k])
	}
	return fmt.Sprintf("%s %s {%s}", u.Type, u.ID, strings.Join(parts, ", "))
}

// IDs returns the ids of units in order.
func IDs(units []Unit) []string {
	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	return ids
}

// Criteria selects units of one repository.
//
// Filters match unit key fields exactly. Limit caps the total number of units
// returned; zero means no cap.
type Criteria struct {
	RepoID  string            `json:"repo_id"`
	Types   []UnitType        `json:"unit_types,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
	Limit   int               `json:"limit,omitempty"`
}

// Validate checks the criteria can be executed.
func (c Criteria) Validate() error {
	if strings.TrimSpace(c.RepoID) == "" {
		return apperrors.New(apperrors.ErrInvalidInput, 0, "criteria require a repository id")
	}
	if c.Limit < 0 {
		return apperrors.Newf(apperrors.ErrInvalidInput, 0, "limit must not be negative, got %d", c.Limit)
	}
	for _, t := range c.Types {
		if _, ok := keyFields[t]; !ok {
			return apperrors.Newf(apperrors.ErrInvalidInput, 0, "unknown unit type %q", t)
		}
	}
	return nil
}

// Matches reports whether u satisfies the criteria, ignoring Limit.
func (c Criteria) Matches(u Unit) bool {
	if u.RepoID != c.RepoID {
		return false
	}
	if len(c.Types) > 0 && !slices.Contains(c.Types, u.Type) {
		return false
	}
	for k, v := range c.Filters {
		if u.Key[k] != v {
			return false
		}
	}
	return true
}

// ParseFilters turns "k=v" pairs into a filter map.
func ParseFilters(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	filters := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, apperrors.Newf(apperrors.ErrInvalidInput, 0, "filter %q is not key=value", p)
		}
		filters[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return filters, nil
}
