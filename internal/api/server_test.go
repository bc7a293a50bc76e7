package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neurolm/engram/internal/decay"
	"github.com/neurolm/engram/internal/embedding"
	"github.com/neurolm/engram/internal/links"
	"github.com/neurolm/engram/internal/memory"
	"github.com/neurolm/engram/internal/retrieval"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	logger := zap.NewNop()
	repo := memory.NewInMemoryRepository()
	provider := embedding.NewHashProvider(32)

	linkStore, err := links.Open(filepath.Join(t.TempDir(), "links.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { linkStore.Close() })

	server := NewServer(
		memory.NewService(repo, provider, logger),
		retrieval.NewEngine(repo, provider, linkStore, logger),
		decay.NewEngine(repo, logger),
		decay.NewExplainer(repo),
		linkStore,
		repo,
		logger,
	)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestMemorizeAndRetrieve(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/memorize", map[string]interface{}{
		"content": "Met Alice for coffee",
		"user_id": "u1",
		"topic":   "Social",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created memory.Memory
	decodeJSON(t, resp, &created)
	assert.Equal(t, memory.CategorySocialOrganizational, created.Category)
	assert.Equal(t, "social", created.Topic)
	require.NotEmpty(t, created.ID)

	resp = postJSON(t, ts.URL+"/retrieve", map[string]interface{}{
		"query":   "Met Alice for coffee",
		"user_id": "u1",
		"scope":   "explicit_all",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var retrieved struct {
		Results []retrieval.Result `json:"results"`
		Count   int                `json:"count"`
	}
	decodeJSON(t, resp, &retrieved)
	require.Equal(t, 1, retrieved.Count)
	assert.Equal(t, created.ID, retrieved.Results[0].Memory.ID)
}

func TestRetrieveConversationScopeEmpty(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/memorize", map[string]interface{}{
		"content": "something stored",
		"user_id": "u1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/retrieve", map[string]interface{}{
		"query":   "something stored",
		"user_id": "u1",
		"scope":   "conversation",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var retrieved struct {
		Count int `json:"count"`
	}
	decodeJSON(t, resp, &retrieved)
	assert.Equal(t, 0, retrieved.Count)
}

func TestEnhance(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/memorize", map[string]interface{}{
		"content":    "reinforce me",
		"user_id":    "u1",
		"confidence": 0.5,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created memory.Memory
	decodeJSON(t, resp, &created)

	data, _ := json.Marshal(map[string]float64{"amount": 0.2})
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/enhance/"+created.ID, bytes.NewReader(data))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var updated memory.Memory
	decodeJSON(t, resp, &updated)
	assert.InDelta(t, 0.7, updated.Confidence, 1e-9)
}

func TestEnhanceUnknownMemory(t *testing.T) {
	ts := newTestServer(t)

	data, _ := json.Marshal(map[string]float64{"amount": 0.2})
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/enhance/nope", bytes.NewReader(data))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestForget(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/memorize", map[string]interface{}{
		"content": "forget me",
		"user_id": "u1",
	})
	var created memory.Memory
	decodeJSON(t, resp, &created)

	resp = postJSON(t, ts.URL+"/forget/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/forget/"+created.ID, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "second forget finds nothing")
}

func TestForceDecayEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/memorize", map[string]interface{}{
		"content":    "weak memory",
		"user_id":    "u1",
		"confidence": 0.5,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/decay?force=true", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report decay.Report
	decodeJSON(t, resp, &report)
	assert.True(t, report.Ran)
	assert.Equal(t, 1, report.Examined)
}

func TestExplainEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/explain/unknown-id")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeJSON(t, resp, &body)
	assert.Contains(t, body["explanation"], "not found")
}

func TestLinkAndSupplementalRetrieve(t *testing.T) {
	ts := newTestServer(t)

	var travel memory.Memory
	resp := postJSON(t, ts.URL+"/memorize", map[string]interface{}{
		"content": "Rome has great trattorias",
		"user_id": "u1",
		"topic":   "travel",
	})
	decodeJSON(t, resp, &travel)

	resp = postJSON(t, ts.URL+"/memorize", map[string]interface{}{
		"content": "Carbonara uses guanciale",
		"user_id": "u1",
		"topic":   "cooking",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/link", map[string]interface{}{
		"source_memory_id": travel.ID,
		"linked_topic":     "cooking",
		"user_id":          "u1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/retrieve", map[string]interface{}{
		"query":         "pasta",
		"user_id":       "u1",
		"scope":         "topic",
		"current_topic": "cooking",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var retrieved struct {
		Results []retrieval.Result `json:"results"`
	}
	decodeJSON(t, resp, &retrieved)
	require.Len(t, retrieved.Results, 2)

	last := retrieved.Results[len(retrieved.Results)-1]
	assert.True(t, last.Supplemental)
	assert.Equal(t, travel.ID, last.Memory.ID)
}

func TestStats(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 3; i++ {
		resp := postJSON(t, ts.URL+"/memorize", map[string]interface{}{
			"content": fmt.Sprintf("fact %d", i),
			"user_id": "u1",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats map[string]interface{}
	decodeJSON(t, resp, &stats)
	assert.Equal(t, float64(3), stats["memories"])
	assert.Equal(t, float64(0), stats["topic_links"])
}

func TestTopicsOverview(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/memorize", map[string]interface{}{
		"content": "carbonara",
		"user_id": "u1",
		"topic":   "cooking",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/topics?user_id=u1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Topics []*memory.TopicStats `json:"topics"`
	}
	decodeJSON(t, resp, &body)
	require.Len(t, body.Topics, 1)
	assert.Equal(t, "cooking", body.Topics[0].Topic)
	assert.Equal(t, 1, body.Topics[0].MemoryCount)
}
