package domain

import (
	"fmt"
	"strings"
	"time"
)

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

func ParseVisibility(raw string) (Visibility, error) {
	switch v := Visibility(strings.ToLower(strings.TrimSpace(raw))); v {
	case VisibilityPublic, VisibilityPrivate:
		return v, nil
	default:
		return "", fmt.Errorf("visibility must be one of public|private, got %q", raw)
	}
}

// FileRecord is the metadata of one uploaded asset.
type FileRecord struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	Visibility    Visibility `json:"visibility"`
	StoragePath   string     `json:"storage_path"`
	URL           string     `json:"url"`
	ThumbnailPath string     `json:"thumbnail_path,omitempty"`
	ThumbnailURL  string     `json:"thumbnail_url,omitempty"`
	ContentType   string     `json:"content_type"`
	SizeBytes     int64      `json:"size_bytes"`
	OwnerID       string     `json:"owner_id"`
	// CreatedAt is nil until the store has stamped the record.
	CreatedAt *time.Time `json:"created_at"`
}

// CreatedAtOrEpoch substitutes the Unix epoch for a missing timestamp.
func (r FileRecord) CreatedAtOrEpoch() time.Time {
	if r.CreatedAt == nil {
		return time.Unix(0, 0).UTC()
	}
	return *r.CreatedAt
}

func (r FileRecord) OwnedBy(subjectID string) bool {
	return subjectID != "" && r.OwnerID == subjectID
}

const PublicCollection = "public/data/uploaded_files"

func PrivateCollection(subjectID string) string {
	return "users/" + subjectID + "/uploaded_files"
}

// CollectionFor returns the collection a record with the given visibility
// and owner lives in.
func CollectionFor(v Visibility, ownerID string) string {
	if v == VisibilityPublic {
		return PublicCollection
	}
	return PrivateCollection(ownerID)
}

// CollectionVisibility reports which visibility a collection path holds.
func CollectionVisibility(collection string) (Visibility, error) {
	if collection == PublicCollection {
		return VisibilityPublic, nil
	}
	parts := strings.Split(collection, "/")
	if len(parts) == 3 && parts[0] == "users" && parts[1] != "" && parts[2] == "uploaded_files" {
		return VisibilityPrivate, nil
	}
	return "", fmt.Errorf("unknown collection %q", collection)
}

type Filter string

const (
	FilterAll     Filter = "all"
	FilterPublic  Filter = "public"
	FilterPrivate Filter = "private"
)

func ParseFilter(raw string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterPublic, FilterPrivate:
		return f, nil
	default:
		return "", fmt.Errorf("filter must be one of all|public|private, got %q", raw)
	}
}

func (f Filter) IncludesPublic() bool  { return f == FilterAll || f == FilterPublic }
func (f Filter) IncludesPrivate() bool { return f == FilterAll || f == FilterPrivate }

type SortOrder string

const (
	SortNewest  SortOrder = "newest"
	SortOldest  SortOrder = "oldest"
	SortNameAsc SortOrder = "name-asc"
)

func ParseSortOrder(raw string) (SortOrder, error) {
	switch s := SortOrder(strings.ToLower(strings.TrimSpace(raw))); s {
	case "":
		return SortNewest, nil
	case SortNewest, SortOldest, SortNameAsc:
		return s, nil
	default:
		return "", fmt.Errorf("sort must be one of newest|oldest|name-asc, got %q", raw)
	}
}

// FileDetail is one record as shown in the detail view.
type FileDetail struct {
	Record    FileRecord `json:"record"`
	CanDelete bool       `json:"can_delete"`
}

func NewFileDetail(record FileRecord, subjectID string) FileDetail {
	return FileDetail{Record: record, CanDelete: record.OwnedBy(subjectID)}
}
