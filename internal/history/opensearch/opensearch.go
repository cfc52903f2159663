package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/airsvc/internal/history"
)

// Sink indexes lifecycle events into OpenSearch via its document API.
// Each event is PUT to baseURL/index/_doc/<id>?op_type=create, routed by
// instance so the events of one service instance share a shard. The id is
// derived from the event, so a resent event is not indexed twice.
type Sink struct {
	client   *http.Client
	baseURL  string
	index    string
	user     string
	password string
}

type Option func(*Sink)

// WithBasicAuth authenticates every request.
func WithBasicAuth(user, password string) Option {
	return func(s *Sink) { s.user, s.password = user, password }
}

func New(baseURL, index string, opts ...Option) *Sink {
	s := &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// document is the indexed shape: flat fields, so dashboards can aggregate
// by service and host without nested mappings.
type document struct {
	Timestamp      time.Time `json:"@timestamp"`
	Event          string    `json:"event"`
	Instance       string    `json:"instance"`
	Service        string    `json:"service"`
	Host           string    `json:"host,omitempty"`
	SupervisorHost string    `json:"supervisor_host"`
	PID            int       `json:"pid,omitempty"`
	Outcome        string    `json:"outcome"`
	Error          string    `json:"error,omitempty"`
	RunID          string    `json:"run_id,omitempty"`
}

func toDocument(e history.Event) document {
	service, host, _ := strings.Cut(e.Record.Instance, "@")
	return document{
		Timestamp:      e.OccurredAt.UTC(),
		Event:          string(e.Type),
		Instance:       e.Record.Instance,
		Service:        service,
		Host:           host,
		SupervisorHost: e.Record.Host,
		PID:            e.Record.PID,
		Outcome:        e.Record.Outcome,
		Error:          e.Record.Error,
		RunID:          e.Record.RunID,
	}
}

// documentID identifies one event of one invocation.
func documentID(e history.Event) string {
	return fmt.Sprintf("%s-%s-%s-%d", e.Record.RunID, e.Type, e.Record.Instance, e.OccurredAt.UnixNano())
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(toDocument(e))
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, url.PathEscape(s.index), url.PathEscape(documentID(e)))
	q := url.Values{"op_type": {"create"}}
	if e.Record.Instance != "" {
		q.Set("routing", e.Record.Instance)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u+"?"+q.Encode(), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.user != "" {
		req.SetBasicAuth(s.user, s.password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusConflict:
		// already indexed by an earlier attempt
		return nil
	case resp.StatusCode >= 300:
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
