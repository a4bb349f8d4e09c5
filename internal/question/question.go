// Package question is the boundary to the external question catalog, used
// only to attach a question to a new session's metadata. A lookup failure
// must fail session creation; this package never fabricates a question.
package question

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound is returned when the catalog has no question for the criteria.
var ErrNotFound = errors.New("question: no match for criteria")

// Criteria selects a question from the catalog.
type Criteria struct {
	Difficulty string `json:"difficulty"`
	Topic      string `json:"topic"`
}

// Question is the catalog entry attached to a session at creation.
type Question struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Lookup finds a question matching the criteria.
type Lookup interface {
	Find(ctx context.Context, c Criteria) (Question, error)
}

// HTTPLookup queries the external catalog service.
type HTTPLookup struct {
	baseURL string
	client  *http.Client
}

func NewHTTPLookup(baseURL string) *HTTPLookup {
	return &HTTPLookup{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (l *HTTPLookup) Find(ctx context.Context, c Criteria) (Question, error) {
	q := url.Values{}
	q.Set("difficulty", c.Difficulty)
	q.Set("topic", c.Topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		l.baseURL+"/questions/match?"+q.Encode(), nil)
	if err != nil {
		return Question{}, fmt.Errorf("question: build request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return Question{}, fmt.Errorf("question: lookup request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Question{}, ErrNotFound
	default:
		return Question{}, fmt.Errorf("question: catalog returned %s", resp.Status)
	}

	var out Question
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Question{}, fmt.Errorf("question: decode response: %w", err)
	}
	if out.ID == "" {
		return Question{}, ErrNotFound
	}
	return out, nil
}

// StaticLookup returns a fixed question regardless of criteria; for
// development and tests.
type StaticLookup Question

func (l StaticLookup) Find(context.Context, Criteria) (Question, error) {
	return Question(l), nil
}
