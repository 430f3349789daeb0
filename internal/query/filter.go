// Package query turns essay filters into parameterized SQL over a snapshot.
package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/essaylake/essaylake/internal/errors"
	"github.com/essaylake/essaylake/pkg/types"
)

// IntRange is an inclusive range; either bound may be absent.
type IntRange struct {
	Min *int64 `json:"min,omitempty"`
	Max *int64 `json:"max,omitempty"`
}

// TimeRange is an inclusive time range; either bound may be absent.
type TimeRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// Filter selects essays. Every field is an independent optional dimension:
// a nil pointer or nil slice adds no predicate at all.
type Filter struct {
	// Application matches prompts.application exactly
	Application *types.Application `json:"application,omitempty"`

	// Applications matches any listed application
	Applications []types.Application `json:"applications,omitempty"`

	// IncludeUnspecified also admits essays without an application
	IncludeUnspecified bool `json:"include_unspecified,omitempty"`

	// SchoolNameLike is a case-insensitive substring of a linked school name
	SchoolNameLike *string `json:"school_name_like,omitempty"`

	// PromptTextLike is a case-insensitive substring of the prompt text
	PromptTextLike *string `json:"prompt_text_like,omitempty"`

	AuthorID  *string    `json:"author_id,omitempty"`
	WordCount *IntRange  `json:"word_count,omitempty"`
	Created   *TimeRange `json:"created,omitempty"`

	// MaxEditDays keeps essays last modified within this many whole days
	// of creation
	MaxEditDays *int `json:"max_edit_days,omitempty"`

	Limit *int `json:"limit,omitempty"`

	// Explode returns one row per (essay, matching school)
	Explode bool `json:"explode,omitempty"`
}

// Validate checks the filter for values no query could satisfy sensibly.
func (f Filter) Validate() error {
	if f.Application != nil && !f.Application.Valid() {
		return errors.NewValidationError(fmt.Sprintf("unknown application %q", *f.Application))
	}
	for _, a := range f.Applications {
		if !a.Valid() {
			return errors.NewValidationError(fmt.Sprintf("unknown application %q", a))
		}
	}
	if r := f.WordCount; r != nil {
		if (r.Min != nil && *r.Min < 0) || (r.Max != nil && *r.Max < 0) {
			return errors.NewValidationError("word_count bounds must be non-negative")
		}
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			return errors.NewValidationError(fmt.Sprintf("word_count range inverted: %d > %d", *r.Min, *r.Max))
		}
	}
	if r := f.Created; r != nil && r.From != nil && r.To != nil && r.From.After(*r.To) {
		return errors.NewValidationError("created range inverted")
	}
	if f.MaxEditDays != nil && (*f.MaxEditDays < 0 || *f.MaxEditDays > MaxEditDaysLimit) {
		return errors.NewValidationError(fmt.Sprintf("max_edit_days must be between 0 and %d, got %d", MaxEditDaysLimit, *f.MaxEditDays))
	}
	if f.Limit != nil && *f.Limit <= 0 {
		return errors.NewValidationError(fmt.Sprintf("limit must be positive, got %d", *f.Limit))
	}
	return nil
}

// Normalize returns a copy with the effective limit applied and the
// application set sorted and deduplicated.
func (f Filter) Normalize(defaultLimit, maxLimit int) Filter {
	out := f

	limit := defaultLimit
	if f.Limit != nil {
		limit = *f.Limit
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	out.Limit = &limit

	if f.Applications != nil {
		seen := make(map[types.Application]struct{}, len(f.Applications))
		apps := make([]types.Application, 0, len(f.Applications))
		for _, a := range f.Applications {
			if _, dup := seen[a]; dup {
				continue
			}
			seen[a] = struct{}{}
			apps = append(apps, a)
		}
		sort.Slice(apps, func(i, j int) bool { return apps[i] < apps[j] })
		out.Applications = apps
	}
	return out
}

// Dimensions lists the names of the supplied dimensions.
func (f Filter) Dimensions() []string {
	var dims []string
	if f.Application != nil {
		dims = append(dims, "application")
	}
	if f.Applications != nil {
		dims = append(dims, "applications")
	}
	if f.IncludeUnspecified {
		dims = append(dims, "include_unspecified")
	}
	if f.SchoolNameLike != nil {
		dims = append(dims, "school_name_like")
	}
	if f.PromptTextLike != nil {
		dims = append(dims, "prompt_text_like")
	}
	if f.AuthorID != nil {
		dims = append(dims, "author_id")
	}
	if f.WordCount != nil {
		dims = append(dims, "word_count")
	}
	if f.Created != nil {
		dims = append(dims, "created")
	}
	if f.MaxEditDays != nil {
		dims = append(dims, "max_edit_days")
	}
	if f.Explode {
		dims = append(dims, "explode")
	}
	return dims
}

// Key encodes the supplied dimensions canonically. Filters selecting the
// same rows through the same options produce the same key.
func (f Filter) Key() string {
	parts := make([]string, 0, 12)
	add := func(name, value string) {
		parts = append(parts, name+"="+strconv.Quote(value))
	}

	if f.Application != nil {
		add("application", string(*f.Application))
	}
	if f.Applications != nil {
		names := make([]string, len(f.Applications))
		for i, a := range f.Applications {
			names[i] = string(a)
		}
		sort.Strings(names)
		add("applications", strings.Join(names, ","))
	}
	if f.IncludeUnspecified {
		add("include_unspecified", "true")
	}
	if f.SchoolNameLike != nil {
		add("school_name_like", *f.SchoolNameLike)
	}
	if f.PromptTextLike != nil {
		add("prompt_text_like", *f.PromptTextLike)
	}
	if f.AuthorID != nil {
		add("author_id", *f.AuthorID)
	}
	if r := f.WordCount; r != nil {
		add("word_count", optInt(r.Min)+".."+optInt(r.Max))
	}
	if r := f.Created; r != nil {
		add("created", optTime(r.From)+".."+optTime(r.To))
	}
	if f.MaxEditDays != nil {
		add("max_edit_days", strconv.Itoa(*f.MaxEditDays))
	}
	if f.Limit != nil {
		add("limit", strconv.Itoa(*f.Limit))
	}
	if f.Explode {
		add("mode", "exploded")
	} else {
		add("mode", "grouped")
	}

	sort.Strings(parts)
	return strings.Join(parts, "&")
}

func optInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func optTime(v *time.Time) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(v.UnixMilli(), 10)
}
