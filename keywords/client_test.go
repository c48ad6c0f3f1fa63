package keywords

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CamiloMaria/catalog-enrichment/enrich"
	"github.com/CamiloMaria/catalog-enrichment/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		APIKey:  "test-key",
		BaseURL: srv.URL,
	})
}

func chatResponse(content string) string {
	resp := chatCompletionResponse{
		ID:    "gen-123",
		Model: DefaultModel,
		Choices: []choice{
			{Message: message{Role: "assistant", Content: content}},
		},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestClientEnrichSuccess(t *testing.T) {
	var gotReq chatCompletionRequest
	var gotAuth string

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(chatResponse("Wireless Mouse, ergonomic mouse, bluetooth mouse, office mouse, pc accessories")))
	})

	res, err := client.Enrich(context.Background(), enrich.Record{
		Key:      "SKU-001",
		Category: "electronics",
		Title:    "Wireless Mouse",
	})
	require.NoError(t, err)

	assert.Equal(t, "SKU-001", res.Key)
	assert.Equal(t, []string{
		"wireless mouse", "ergonomic mouse", "bluetooth mouse", "office mouse", "pc accessories",
	}, res.Keywords)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, DefaultModel, gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Contains(t, gotReq.Messages[1].Content, "Wireless Mouse")
	assert.Contains(t, gotReq.Messages[1].Content, "electronics")
}

func TestClientEnrichNotFoundIsPermanent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	})

	_, err := client.Enrich(context.Background(), enrich.Record{Key: "SKU-404"})
	require.Error(t, err)
	assert.True(t, enrich.IsPermanent(err))
	assert.True(t, errors.Is(err, enrich.ErrRecordNotFound))
}

func TestClientEnrichRateLimitedIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	})

	_, err := client.Enrich(context.Background(), enrich.Record{Key: "SKU-001"})
	require.Error(t, err)
	assert.False(t, enrich.IsPermanent(err))
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
}

func TestClientEnrichServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})

	_, err := client.Enrich(context.Background(), enrich.Record{Key: "SKU-001"})
	require.Error(t, err)
	assert.False(t, enrich.IsPermanent(err))
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
}

func TestClientEnrichEmptyChoices(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"gen-1","choices":[]}`))
	})

	_, err := client.Enrich(context.Background(), enrich.Record{Key: "SKU-001"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no response choices")
}

func TestClientEnrichNoUsableKeywords(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatResponse("   ")))
	})

	_, err := client.Enrich(context.Background(), enrich.Record{Key: "SKU-001"})
	require.Error(t, err)
	assert.False(t, enrich.IsPermanent(err))
}

func TestClientEnrichMissingAPIKey(t *testing.T) {
	client := NewClient(Config{})
	assert.False(t, client.IsConfigured())

	_, err := client.Enrich(context.Background(), enrich.Record{Key: "SKU-001"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestParseKeywords(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "plain comma separated",
			content: "red shoes, running shoes, sneakers",
			want:    []string{"red shoes", "running shoes", "sneakers"},
		},
		{
			name:    "trailing period and mixed case",
			content: "Red Shoes, Running Shoes.",
			want:    []string{"red shoes", "running shoes"},
		},
		{
			name:    "bullets and empty segments",
			content: "- red shoes, , * sneakers",
			want:    []string{"red shoes", "sneakers"},
		},
		{
			name:    "whitespace only",
			content: "   ",
			want:    []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseKeywords(tt.content))
		})
	}
}
