package loki

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var labels = map[string]string{"job": "inventory", "store": "memory"}

func TestNewWriter_DisabledWithoutURL(t *testing.T) {
	assert.Nil(t, NewWriter("", labels))
	assert.Nil(t, NewWriter("http://loki:3100", nil))
}

func TestWriter_PushesOneStreamPerLevelOnClose(t *testing.T) {
	var (
		mu       sync.Mutex
		received []pushRequest
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loki/api/v1/push", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body pushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		received = append(received, body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	w := NewWriter(server.URL+"/", labels)
	payload := "{\"level\":\"info\",\"msg\":\"one\"}\n{\"level\":\"error\",\"msg\":\"two\"}\nplain text\n{\"level\":\"info\",\"msg\":\"three\"}\n"
	n, err := w.Write([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "closing twice is harmless")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	linesByLevel := map[string][]string{}
	for _, s := range received[0].Streams {
		assert.Equal(t, "inventory", s.Stream["job"])
		assert.Equal(t, "memory", s.Stream["store"])
		for _, v := range s.Values {
			linesByLevel[s.Stream["level"]] = append(linesByLevel[s.Stream["level"]], v[1])
		}
	}
	assert.Equal(t, map[string][]string{
		"error":   {"{\"level\":\"error\",\"msg\":\"two\"}"},
		"info":    {"{\"level\":\"info\",\"msg\":\"one\"}", "{\"level\":\"info\",\"msg\":\"three\"}"},
		"unknown": {"plain text"},
	}, linesByLevel)
}

func TestLevelOf(t *testing.T) {
	assert.Equal(t, "warn", levelOf([]byte(`{"level":"warn","msg":"x"}`)))
	assert.Equal(t, unknownLevel, levelOf([]byte(`{"msg":"no level"}`)))
	assert.Equal(t, unknownLevel, levelOf([]byte(`not json`)))
}
