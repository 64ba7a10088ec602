package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/metrics"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
)

// Client talks to the REST table API served by internal/remote/server.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

// NewClient creates a client for baseURL. Each call is bounded by timeout.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  apiKey,
		timeout: timeout,
		http:    &http.Client{},
	}
}

type rowsResponse struct {
	Rows []models.Record `json:"rows"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) Select(ctx context.Context, table string, q Query) ([]models.Record, error) {
	params := url.Values{}
	for col, v := range q.Eq {
		params.Set("eq."+col, valueString(v))
	}
	if q.OrderBy != "" {
		order := q.OrderBy
		if q.Desc {
			order += ".desc"
		}
		params.Set("order", order)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	var out rowsResponse
	if err := c.do(ctx, OpSelect, http.MethodGet, c.rowsPath(table, "")+encodeQuery(params), nil, &out); err != nil {
		return nil, err
	}
	return out.Rows, nil
}

func (c *Client) Get(ctx context.Context, table, id string) (models.Record, error) {
	var out models.Record
	if err := c.do(ctx, OpGet, http.MethodGet, c.rowsPath(table, id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Insert(ctx context.Context, table string, row models.Record) (models.Record, error) {
	var out models.Record
	if err := c.do(ctx, OpInsert, http.MethodPost, c.rowsPath(table, ""), row.Clean(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Update(ctx context.Context, table, id string, row models.Record) (models.Record, error) {
	var out models.Record
	if err := c.do(ctx, OpUpdate, http.MethodPatch, c.rowsPath(table, id), row.Clean(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Delete(ctx context.Context, table, id string) error {
	return c.do(ctx, OpDelete, http.MethodDelete, c.rowsPath(table, id), nil, nil)
}

// Ping checks that the server answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, OpPing, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) rowsPath(table, id string) string {
	p := "/tables/" + url.PathEscape(table) + "/rows"
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

func encodeQuery(v url.Values) string {
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) (err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = strings.ToLower(string(apperrors.KindOf(err)))
		}
		metrics.RemoteCallsTotal.WithLabelValues(op, outcome).Inc()
	}()

	if c.baseURL == "" {
		return apperrors.New(apperrors.ErrNotConfigured, "remote url is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "failed to encode request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.ErrTransient, "failed to decode response", err)
	}
	return nil
}

// statusError maps an HTTP error response to an error kind.
func statusError(resp *http.Response) error {
	var body errorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	if msg == "" {
		msg = resp.Status
	}

	switch code := resp.StatusCode; {
	case code == http.StatusNotFound:
		return apperrors.New(apperrors.ErrNotFound, msg)
	case code == http.StatusConflict:
		return apperrors.New(apperrors.ErrDuplicate, msg)
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return apperrors.New(apperrors.ErrTransient, fmt.Sprintf("%s: %s", resp.Status, msg))
	default:
		return apperrors.New(apperrors.ErrPermanent, fmt.Sprintf("%s: %s", resp.Status, msg))
	}
}

// classifyTransportError treats every failure to get a response as
// transient: refused connections, DNS errors and timeouts all heal on their own.
func classifyTransportError(err error) error {
	return apperrors.Wrap(apperrors.ErrTransient, "remote unreachable", err)
}

var _ Store = (*Client)(nil)
