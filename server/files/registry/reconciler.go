// Package registry merges the public and private file feeds of one signed-in
// subject into the ordered, filtered list shown to that subject.
package registry

import (
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"folio/server/files/domain"
)

var recomputesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "folio_registry_recomputes_total",
	Help: "File list recomputations across all sessions.",
})

const (
	iconPublic       = "🌐"
	iconPrivate      = "🔒"
	unknownCreatedAt = "Unknown"
)

// Options controls how rows are ordered by name and how times are printed.
type Options struct {
	Locale     language.Tag
	Location   *time.Location
	TimeLayout string
}

func DefaultOptions() Options {
	return Options{Locale: language.TraditionalChinese, Location: time.UTC, TimeLayout: "2006/01/02 15:04:05"}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Locale == language.Und {
		o.Locale = d.Locale
	}
	if o.Location == nil {
		o.Location = d.Location
	}
	if strings.TrimSpace(o.TimeLayout) == "" {
		o.TimeLayout = d.TimeLayout
	}
	return o
}

type stringComparer interface {
	CompareString(a, b string) int
}

// Row is one rendered entry of the file list.
type Row struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Visibility domain.Visibility `json:"visibility"`
	Icon       string            `json:"icon"`
	CreatedAt  string            `json:"created_at"`
	OwnedByMe  bool              `json:"owned_by_me"`
	ViewAction string            `json:"view_action"`
}

// View is the complete rendered list. Each recompute replaces the previous
// View wholesale.
type View struct {
	Filter domain.Filter    `json:"filter"`
	Sort   domain.SortOrder `json:"sort"`
	Rows   []Row            `json:"rows"`
}

// Merge selects the feeds named by filter. Public records precede private
// ones. Records present in both feeds are not de-duplicated.
func Merge(publicFiles, privateFiles []domain.FileRecord, filter domain.Filter) []domain.FileRecord {
	combined := make([]domain.FileRecord, 0, len(publicFiles)+len(privateFiles))
	if filter.IncludesPublic() {
		combined = append(combined, publicFiles...)
	}
	if filter.IncludesPrivate() {
		combined = append(combined, privateFiles...)
	}
	return combined
}

// SortRecords orders records in place. The sort is stable: records that
// compare equal keep their merge order.
func SortRecords(records []domain.FileRecord, order domain.SortOrder, names stringComparer) {
	switch order {
	case domain.SortNewest:
		slices.SortStableFunc(records, func(a, b domain.FileRecord) int {
			return b.CreatedAtOrEpoch().Compare(a.CreatedAtOrEpoch())
		})
	case domain.SortOldest:
		slices.SortStableFunc(records, func(a, b domain.FileRecord) int {
			return a.CreatedAtOrEpoch().Compare(b.CreatedAtOrEpoch())
		})
	case domain.SortNameAsc:
		slices.SortStableFunc(records, func(a, b domain.FileRecord) int {
			return names.CompareString(a.Name, b.Name)
		})
	}
}

func Render(records []domain.FileRecord, subjectID string, opts Options) []Row {
	opts = opts.withDefaults()
	rows := make([]Row, 0, len(records))
	for _, record := range records {
		rows = append(rows, Row{
			ID:         record.ID,
			Name:       record.Name,
			Visibility: record.Visibility,
			Icon:       visibilityIcon(record.Visibility),
			CreatedAt:  FormatCreatedAt(record, opts),
			OwnedByMe:  record.OwnedBy(subjectID),
			ViewAction: DetailPath(record),
		})
	}
	return rows
}

// Build runs merge, sort and render in one pass. It is the stateless form
// of Reconciler.Recompute.
func Build(publicFiles, privateFiles []domain.FileRecord, subjectID string, filter domain.Filter, order domain.SortOrder, opts Options) View {
	opts = opts.withDefaults()
	records := Merge(publicFiles, privateFiles, filter)
	SortRecords(records, order, collate.New(opts.Locale))
	return View{Filter: filter, Sort: order, Rows: Render(records, subjectID, opts)}
}

func FormatCreatedAt(record domain.FileRecord, opts Options) string {
	if record.CreatedAt == nil {
		return unknownCreatedAt
	}
	opts = opts.withDefaults()
	return record.CreatedAt.In(opts.Location).Format(opts.TimeLayout)
}

func DetailPath(record domain.FileRecord) string {
	return "/api/v1/files/" + string(record.Visibility) + "/" + record.ID
}

func visibilityIcon(v domain.Visibility) string {
	if v == domain.VisibilityPublic {
		return iconPublic
	}
	return iconPrivate
}

// Reconciler holds the latest snapshot of each feed plus the current filter
// and sort. It is not safe for concurrent use; Session confines it to one
// goroutine.
type Reconciler struct {
	subjectID    string
	publicFiles  []domain.FileRecord
	privateFiles []domain.FileRecord
	filter       domain.Filter
	order        domain.SortOrder
	names        *collate.Collator
	opts         Options
}

func NewReconciler(subjectID string, opts Options) *Reconciler {
	opts = opts.withDefaults()
	return &Reconciler{
		subjectID: subjectID,
		filter:    domain.FilterAll,
		order:     domain.SortNewest,
		names:     collate.New(opts.Locale),
		opts:      opts,
	}
}

func (r *Reconciler) SetPublicFiles(records []domain.FileRecord) {
	r.publicFiles = slices.Clone(records)
}

func (r *Reconciler) SetPrivateFiles(records []domain.FileRecord) {
	r.privateFiles = slices.Clone(records)
}

func (r *Reconciler) SetFilter(filter domain.Filter) { r.filter = filter }

func (r *Reconciler) SetSort(order domain.SortOrder) { r.order = order }

func (r *Reconciler) Recompute() View {
	recomputesTotal.Inc()
	records := Merge(r.publicFiles, r.privateFiles, r.filter)
	SortRecords(records, r.order, r.names)
	return View{Filter: r.filter, Sort: r.order, Rows: Render(records, r.subjectID, r.opts)}
}

// Find looks a record up in the latest snapshots, public feed first.
func (r *Reconciler) Find(id string) (domain.FileRecord, bool) {
	for _, set := range [][]domain.FileRecord{r.publicFiles, r.privateFiles} {
		for _, record := range set {
			if record.ID == id {
				return record, true
			}
		}
	}
	return domain.FileRecord{}, false
}
