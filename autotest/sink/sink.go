// Package sink delivers finished results and grades to their
// downstream consumers: HTTP postbacks in production, a log sink for
// dev mode, and a Redis-backed de-duplicating wrapper.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/andrewstec/classy/autotest/queue"
	"github.com/andrewstec/classy/autotest/store"
)

// HTTPResultSink POSTs AutoTestResults to the record-keeping service.
type HTTPResultSink struct {
	url    string
	secret string
	client *http.Client
}

// NewHTTPResultSink builds a sink posting to url, authenticated with
// the shared course secret.
func NewHTTPResultSink(url, secret string) *HTTPResultSink {
	return &HTTPResultSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPResultSink) Store(ctx context.Context, result *queue.AutoTestResult) error {
	return post(ctx, s.client, s.url, s.secret, result)
}

// HTTPGradeSink POSTs grade transports to the grade service.
type HTTPGradeSink struct {
	url    string
	secret string
	client *http.Client
}

func NewHTTPGradeSink(url, secret string) *HTTPGradeSink {
	return &HTTPGradeSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPGradeSink) Record(ctx context.Context, grade *queue.GradeTransport) error {
	return post(ctx, s.client, s.url, s.secret, grade)
}

func post(ctx context.Context, client *http.Client, url, secret string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sink: %s returned status %d", url, resp.StatusCode)
	}
	return nil
}

// LogSink writes results and grades to the process log. Used when no
// postback endpoints are configured.
type LogSink struct{}

func (LogSink) Store(ctx context.Context, result *queue.AutoTestResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	log.Printf("[SINK] RESULT %s", data)
	return nil
}

func (LogSink) Record(ctx context.Context, grade *queue.GradeTransport) error {
	data, err := json.Marshal(grade)
	if err != nil {
		return err
	}
	log.Printf("[SINK] GRADE %s", data)
	return nil
}

// DedupResultSink suppresses re-delivered results before forwarding.
// Delivery stays at-least-once overall: when the marker write fails we
// forward anyway rather than risk losing the record.
type DedupResultSink struct {
	inner queue.ResultSink
	dedup *store.ResultDeduper
}

func NewDedupResultSink(inner queue.ResultSink, dedup *store.ResultDeduper) *DedupResultSink {
	return &DedupResultSink{inner: inner, dedup: dedup}
}

func (s *DedupResultSink) Store(ctx context.Context, result *queue.AutoTestResult) error {
	first, err := s.dedup.MarkOnce(ctx, result.CommitURL, result.DelivID)
	if err != nil {
		log.Printf("sink: dedup marker for %s/%s failed, forwarding anyway: %v",
			result.CommitURL, result.DelivID, err)
	} else if !first {
		log.Printf("sink: suppressing duplicate result for %s/%s", result.CommitURL, result.DelivID)
		return nil
	}
	return s.inner.Store(ctx, result)
}
