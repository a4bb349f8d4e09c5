package question

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPLookup(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/questions/match", r.URL.Path)
		switch r.URL.Query().Get("topic") {
		case "arrays":
			require.Equal(t, "easy", r.URL.Query().Get("difficulty"))
			json.NewEncoder(w).Encode(Question{ID: "q1", Title: "Two Sum"})
		case "blank":
			json.NewEncoder(w).Encode(Question{})
		case "boom":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	l := NewHTTPLookup(ts.URL)
	ctx := context.Background()

	q, err := l.Find(ctx, Criteria{Difficulty: "easy", Topic: "arrays"})
	require.NoError(t, err)
	require.Equal(t, "q1", q.ID)
	require.Equal(t, "Two Sum", q.Title)

	_, err = l.Find(ctx, Criteria{Topic: "obscure"})
	require.ErrorIs(t, err, ErrNotFound)

	// A 200 with no ID is treated as no match, not a usable question.
	_, err = l.Find(ctx, Criteria{Topic: "blank"})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = l.Find(ctx, Criteria{Topic: "boom"})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNotFound))
}

func TestStaticLookup(t *testing.T) {
	l := StaticLookup{ID: "q9", Title: "FizzBuzz"}
	q, err := l.Find(context.Background(), Criteria{})
	require.NoError(t, err)
	require.Equal(t, "q9", q.ID)
}
