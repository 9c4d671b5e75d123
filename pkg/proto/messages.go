// Package proto defines the message types exchanged with the content
// service over the JSON-over-TCP RPC layer (see pkg/grpc).
package proto

import "github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/content"

// Method names registered by the content service.
const (
	MethodSearch       = "ContentService.Search"
	MethodRemoveUnits  = "ContentService.RemoveUnits"
	MethodCopyUnits    = "ContentService.CopyUnits"
	MethodAddUnits     = "ContentService.AddUnits"
	MethodImportUpload = "ContentService.ImportUpload"
	MethodHealth       = "ContentService.Health"
)

// ---------- Search ----------

// SearchRequest asks for one keyset page of units.
type SearchRequest struct {
	Criteria content.Criteria `json:"criteria"`
	AfterID  string           `json:"after_id,omitempty"`
	Limit    int              `json:"limit"`
}

// SearchResponse carries the units of one page, in id order.
type SearchResponse struct {
	Units []content.Unit `json:"units"`
}

// ---------- Associations ----------

// RemoveUnitsRequest disassociates units from a repository.
type RemoveUnitsRequest struct {
	RepoID  string   `json:"repo_id"`
	UnitIDs []string `json:"unit_ids"`
}

// CopyUnitsRequest associates units of one repository with another.
type CopyUnitsRequest struct {
	SourceRepoID string   `json:"source_repo_id"`
	DestRepoID   string   `json:"dest_repo_id"`
	UnitIDs      []string `json:"unit_ids"`
}

// AddUnitsRequest creates units and associates them with a repository.
type AddUnitsRequest struct {
	RepoID string         `json:"repo_id"`
	Units  []content.Unit `json:"units"`
}

// CountResponse reports how many associations changed.
type CountResponse struct {
	Count int `json:"count"`
}

// ---------- Uploads ----------

// ImportUploadRequest turns a completed upload into a unit.
type ImportUploadRequest struct {
	UploadID string            `json:"upload_id"`
	RepoID   string            `json:"repo_id,omitempty"`
	UnitType content.UnitType  `json:"unit_type"`
	UnitKey  map[string]string `json:"unit_key"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Location string            `json:"location"`
	Size     int64             `json:"size"`
}

// HealthCheckResponse reports "SERVING" when the RPC server is up.
type HealthCheckResponse struct {
	Status string `json:"status"` // SERVING, NOT_SERVING
}
