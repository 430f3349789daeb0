package http

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/essaylake/essaylake/internal/errors"
	"github.com/essaylake/essaylake/internal/query"
	"github.com/essaylake/essaylake/pkg/types"
)

// maxBodyBytes bounds filter request bodies.
const maxBodyBytes = 1 << 20

// dateLayout is accepted next to RFC 3339 for time bounds.
const dateLayout = "2006-01-02"

// filterFromRequest reads a filter from the JSON body of a POST or from the
// query string otherwise.
func filterFromRequest(r *http.Request) (query.Filter, error) {
	if r.Method == http.MethodPost {
		return filterFromBody(r.Body)
	}
	return filterFromQuery(r.URL.Query())
}

func filterFromBody(body io.Reader) (query.Filter, error) {
	var f query.Filter
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return f, nil
		}
		return f, errors.NewValidationError(fmt.Sprintf("invalid request body: %v", err))
	}
	return f, nil
}

// filterFromQuery maps query parameters onto filter dimensions. An absent
// parameter leaves its dimension unset; "applications=" with an empty value
// is an explicitly empty set.
func filterFromQuery(q url.Values) (query.Filter, error) {
	var f query.Filter

	if v, ok := lookup(q, "application"); ok {
		app := types.Application(strings.ToUpper(v))
		f.Application = &app
	}
	if v, ok := lookup(q, "applications"); ok {
		f.Applications = []types.Application{}
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				f.Applications = append(f.Applications, types.Application(strings.ToUpper(part)))
			}
		}
	}
	if v, ok := lookup(q, "include_unspecified"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, invalidParam("include_unspecified", v, err)
		}
		f.IncludeUnspecified = b
	}
	if v, ok := lookup(q, "school_name_like"); ok {
		f.SchoolNameLike = &v
	}
	if v, ok := lookup(q, "prompt_text_like"); ok {
		f.PromptTextLike = &v
	}
	if v, ok := lookup(q, "author_id"); ok {
		f.AuthorID = &v
	}

	minWords, err := optInt64(q, "word_count_min")
	if err != nil {
		return f, err
	}
	maxWords, err := optInt64(q, "word_count_max")
	if err != nil {
		return f, err
	}
	if minWords != nil || maxWords != nil {
		f.WordCount = &query.IntRange{Min: minWords, Max: maxWords}
	}

	from, err := optTime(q, "created_from", false)
	if err != nil {
		return f, err
	}
	to, err := optTime(q, "created_to", true)
	if err != nil {
		return f, err
	}
	if from != nil || to != nil {
		f.Created = &query.TimeRange{From: from, To: to}
	}

	if f.MaxEditDays, err = optInt(q, "max_edit_days"); err != nil {
		return f, err
	}
	if f.Limit, err = optInt(q, "limit"); err != nil {
		return f, err
	}
	if v, ok := lookup(q, "explode"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, invalidParam("explode", v, err)
		}
		f.Explode = b
	}

	return f, nil
}

func lookup(q url.Values, name string) (string, bool) {
	vs, ok := q[name]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

func optInt64(q url.Values, name string) (*int64, error) {
	v, ok := lookup(q, name)
	if !ok {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, invalidParam(name, v, err)
	}
	return &n, nil
}

func optInt(q url.Values, name string) (*int, error) {
	v, ok := lookup(q, name)
	if !ok {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, invalidParam(name, v, err)
	}
	return &n, nil
}

// optTime parses an RFC 3339 time or a date. A date used as an inclusive
// upper bound covers the whole day, up to its last millisecond.
func optTime(q url.Values, name string, endOfDay bool) (*time.Time, error) {
	v, ok := lookup(q, name)
	if !ok {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return nil, invalidParam(name, v, err)
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Millisecond)
	}
	return &t, nil
}

func invalidParam(name, value string, err error) error {
	return errors.NewValidationError(fmt.Sprintf("invalid %s %q: %v", name, value, err))
}
