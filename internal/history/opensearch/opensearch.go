package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/mcsu/internal/history"
)

// Rollover names how events are spread over time-suffixed indices.
type Rollover string

const (
	RolloverNone    Rollover = ""
	RolloverDaily   Rollover = "daily"
	RolloverMonthly Rollover = "monthly"
)

// DefaultIndex is history.TableName in OpenSearch index spelling.
var DefaultIndex = strings.ReplaceAll(history.TableName, "_", "-")

// docNamespace scopes document ids generated for server history.
var docNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("mcsu:"+history.TableName))

type Config struct {
	BaseURL  string
	Index    string
	Rollover Rollover
	Username string
	Password string
	Timeout  time.Duration
}

// Sink indexes server history into OpenSearch (or Elasticsearch). Each event
// is created under an id derived from its content, so a redelivered event
// is reported as already indexed instead of being stored twice.
type Sink struct {
	client *http.Client
	cfg    Config
}

func New(cfg Config) *Sink {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Index == "" {
		cfg.Index = DefaultIndex
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Sink{client: &http.Client{Timeout: cfg.Timeout}, cfg: cfg}
}

// IndexFor returns the index an event at t is written to.
func (s *Sink) IndexFor(t time.Time) string {
	t = t.UTC()
	switch s.cfg.Rollover {
	case RolloverDaily:
		return s.cfg.Index + "-" + t.Format("2006.01.02")
	case RolloverMonthly:
		return s.cfg.Index + "-" + t.Format("2006.01")
	}
	return s.cfg.Index
}

// DocumentID is stable for identical events of the same run.
func DocumentID(e history.Event) string {
	key := strings.Join([]string{
		e.Server,
		e.RunID,
		string(e.Kind),
		strconv.FormatInt(e.OccurredAt.UnixNano(), 10),
		e.Player,
		e.Message,
	}, "\x1f")
	return uuid.NewSHA1(docNamespace, []byte(key)).String()
}

type errorBody struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_create/%s", s.cfg.BaseURL, s.IndexFor(e.OccurredAt), DocumentID(e))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Username != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusConflict:
		// already indexed by an earlier delivery
		return nil
	case resp.StatusCode >= 300:
		return statusError(resp)
	}
	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error.Reason != "" {
		return fmt.Errorf("opensearch sink status %d: %s: %s", resp.StatusCode, eb.Error.Type, eb.Error.Reason)
	}
	return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
}

func (s *Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
