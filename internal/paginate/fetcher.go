// Package paginate walks cursor-paginated REST endpoints to completion.
package paginate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-resty/resty/v2"
	"github.com/sevenofnine/coursework-sync/internal/apierr"
)

const (
	DefaultCursorParam = "pageToken"
	DefaultNextField   = "nextPageToken"
)

type Fetcher struct {
	http          *resty.Client
	CursorParam   string
	PageSizeParam string
	PageSize      int
}

func New(client *resty.Client) *Fetcher {
	if client == nil {
		client = resty.New()
	}
	return &Fetcher{http: client, CursorParam: DefaultCursorParam, PageSizeParam: "pageSize"}
}

type Request struct {
	Path  string
	Token string
	Query url.Values
}

// Extractor pulls the items and the next cursor out of one page body. An
// empty cursor ends the walk.
type Extractor[T any] struct {
	Items func(body []byte) ([]T, error)
	Next  func(body []byte) string
}

// JSONField decodes items from the named top-level array and the cursor from
// nextPageToken.
func JSONField[T any](field string) Extractor[T] {
	return Extractor[T]{
		Items: func(body []byte) ([]T, error) {
			var envelope map[string]json.RawMessage
			if err := json.Unmarshal(body, &envelope); err != nil {
				return nil, err
			}
			raw, ok := envelope[field]
			if !ok {
				return nil, nil
			}
			var items []T
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, fmt.Errorf("field %s: %w", field, err)
			}
			return items, nil
		},
		Next: func(body []byte) string {
			var envelope map[string]json.RawMessage
			if err := json.Unmarshal(body, &envelope); err != nil {
				return ""
			}
			var next string
			_ = json.Unmarshal(envelope[DefaultNextField], &next)
			return next
		},
	}
}

// FetchAll requests pages until the extractor reports no next cursor and
// returns every item in page order. Any failing page fails the whole walk.
func FetchAll[T any](ctx context.Context, f *Fetcher, req Request, ex Extractor[T]) ([]T, error) {
	var out []T
	cursor := ""
	for page := 0; ; page++ {
		body, err := f.Page(ctx, req, cursor)
		if err != nil {
			return nil, err
		}
		items, err := ex.Items(body)
		if err != nil {
			return nil, fmt.Errorf("decode page %d of %s: %w", page, req.Path, err)
		}
		out = append(out, items...)
		cursor = ex.Next(body)
		if cursor == "" {
			return out, nil
		}
	}
}

// Page issues one GET for req with the given cursor and returns the raw body.
func (f *Fetcher) Page(ctx context.Context, req Request, cursor string) ([]byte, error) {
	r := f.http.R().SetContext(ctx)
	if req.Token != "" {
		r.SetAuthToken(req.Token)
	}
	q := url.Values{}
	for k, vs := range req.Query {
		q[k] = append([]string(nil), vs...)
	}
	if f.PageSize > 0 && f.PageSizeParam != "" && q.Get(f.PageSizeParam) == "" {
		q.Set(f.PageSizeParam, strconv.Itoa(f.PageSize))
	}
	if cursor != "" {
		q.Set(f.cursorParam(), cursor)
	}
	r.SetQueryParamsFromValues(q)

	resp, err := r.Get(req.Path)
	if err != nil {
		return nil, &apierr.NetworkError{Op: http.MethodGet + " " + req.Path, Err: err}
	}
	if !resp.IsSuccess() {
		return nil, apierr.FromResponse(resp.StatusCode(), resp.Body())
	}
	return resp.Body(), nil
}

func (f *Fetcher) cursorParam() string {
	if f.CursorParam == "" {
		return DefaultCursorParam
	}
	return f.CursorParam
}
