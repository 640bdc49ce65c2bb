package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	domainfeed "github.com/crunchdao/coordinator-node-starter/internal/app/domain/feed"
)

// HTTPSourceAdapter is a generic SourceAdapter for any feed source that
// exposes a JSON HTTP endpoint returning an array of observations. Field
// paths are gjson dotted paths into each array element, letting one adapter
// implementation serve Pyth, Binance, or any other JSON tick source by
// configuration alone.
type HTTPSourceAdapter struct {
	client  *http.Client
	baseURL string

	recordsPath string
	tsPath      string
	payloadPath string
}

// HTTPSourceAdapterConfig names the gjson paths used to slice one HTTP
// response into feed records.
type HTTPSourceAdapterConfig struct {
	BaseURL string
	// RecordsPath selects the array of observations in the response body
	// (e.g. "data" or "" for a top-level array).
	RecordsPath string
	// TsPath selects the event timestamp (RFC3339 or unix seconds) within
	// each observation.
	TsPath string
	// PayloadPath selects the observation's payload object; empty uses the
	// whole observation.
	PayloadPath string
}

// NewHTTPSourceAdapter builds an HTTPSourceAdapter.
func NewHTTPSourceAdapter(cfg HTTPSourceAdapterConfig, client *http.Client) *HTTPSourceAdapter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.TsPath == "" {
		cfg.TsPath = "ts_event"
	}
	return &HTTPSourceAdapter{
		client:      client,
		baseURL:     cfg.BaseURL,
		recordsPath: cfg.RecordsPath,
		tsPath:      cfg.TsPath,
		payloadPath: cfg.PayloadPath,
	}
}

func (a *HTTPSourceAdapter) FetchSince(ctx context.Context, scope domainfeed.Scope, watermark time.Time) ([]domainfeed.Record, error) {
	q := url.Values{}
	q.Set("subject", scope.Subject)
	q.Set("kind", scope.Kind)
	q.Set("granularity", scope.Granularity)
	q.Set("since", strconv.FormatInt(watermark.Unix(), 10))

	body, err := a.get(ctx, q)
	if err != nil {
		return nil, err
	}
	return a.toRecords(scope, body)
}

func (a *HTTPSourceAdapter) FetchPage(ctx context.Context, scope domainfeed.Scope, start, end time.Time, cursor *time.Time) (Page, error) {
	q := url.Values{}
	q.Set("subject", scope.Subject)
	q.Set("kind", scope.Kind)
	q.Set("granularity", scope.Granularity)
	q.Set("start", strconv.FormatInt(start.Unix(), 10))
	q.Set("end", strconv.FormatInt(end.Unix(), 10))
	if cursor != nil {
		q.Set("cursor", strconv.FormatInt(cursor.Unix(), 10))
	}

	body, err := a.get(ctx, q)
	if err != nil {
		return Page{}, err
	}
	records, err := a.toRecords(scope, body)
	if err != nil {
		return Page{}, err
	}

	var nextCursor *time.Time
	hasMore := false
	if len(records) > 0 {
		last := records[len(records)-1].TsEvent
		nextCursor = &last
		hasMore = last.Before(end)
	}
	return Page{Records: records, Cursor: nextCursor, HasMore: hasMore}, nil
}

func (a *HTTPSourceAdapter) get(ctx context.Context, q url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("feed: build request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("feed: source returned status %d", resp.StatusCode)
	}

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if readErr != nil {
			break
		}
	}
	return buf, nil
}

func (a *HTTPSourceAdapter) toRecords(scope domainfeed.Scope, body []byte) ([]domainfeed.Record, error) {
	root := gjson.ParseBytes(body)
	array := root
	if a.recordsPath != "" {
		array = root.Get(a.recordsPath)
	}
	if !array.IsArray() {
		return nil, fmt.Errorf("feed: expected array at path %q", a.recordsPath)
	}

	var records []domainfeed.Record
	for _, item := range array.Array() {
		tsEvent, err := parseTimestamp(item.Get(a.tsPath))
		if err != nil {
			return nil, fmt.Errorf("feed: parse ts_event: %w", err)
		}

		payloadSource := item
		if a.payloadPath != "" {
			payloadSource = item.Get(a.payloadPath)
		}
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(payloadSource.Raw), &payload); err != nil {
			return nil, fmt.Errorf("feed: decode payload: %w", err)
		}

		records = append(records, domainfeed.Record{
			Scope:     scope,
			TsEvent:   tsEvent,
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
		})
	}
	return records, nil
}

func parseTimestamp(result gjson.Result) (time.Time, error) {
	if result.Type == gjson.Number {
		return time.Unix(result.Int(), 0).UTC(), nil
	}
	s := result.String()
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format %q", s)
}
