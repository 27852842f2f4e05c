package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkdiagram/serverbridge/pkg/client"
)

func TestParseLine(t *testing.T) {
	req, err := parseLine("get /v1/diagrams")
	require.NoError(t, err)
	assert.Equal(t, "GET", req.method)
	assert.Equal(t, "/v1/diagrams", req.path)
	assert.Nil(t, req.data)

	req, err = parseLine(`POST /v1/diagrams {"name": "a b"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"name": "a b"}, req.data)

	_, err = parseLine("GET")
	assert.Error(t, err)
	_, err = parseLine("POST /x {bad")
	assert.Error(t, err)
}

func TestServeIssuesEveryLine(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if len(body) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	defer server.Close()

	settings := client.NewSettings()
	settings.BaseURL = server.URL
	settings.MonitorInterval = 0
	settings.LogFile = ""

	in := strings.NewReader("GET /missing\n\nnot-a-request\nPOST /echo {\"x\":1}\n")
	out := &bytes.Buffer{}
	require.NoError(t, serve(context.Background(), settings, in, out))

	results := map[string]result{}
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		var r result
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		results[r.Path] = r
	}
	require.Len(t, results, 2)

	assert.Equal(t, 404, results["/missing"].StatusCode)
	assert.Empty(t, results["/missing"].Data)
	assert.Equal(t, "POST", results["/echo"].Method)
	assert.JSONEq(t, `{"x":1}`, string(results["/echo"].Data))
	assert.NotZero(t, results["/echo"].ID)
}

func TestTrackerIdleAfterEndAndLastFinish(t *testing.T) {
	tr := newTracker()
	tr.add()
	tr.add()
	tr.end()
	tr.finish()

	select {
	case <-tr.idle:
		t.Fatal("idle with a response outstanding")
	default:
	}

	tr.finish()
	select {
	case <-tr.idle:
	default:
		t.Fatal("not idle after the last response")
	}
}

func TestDrainReturnsWhenCancelled(t *testing.T) {
	tr := newTracker()
	tr.add()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stopped := false
	assert.NoError(t, drain(ctx, tr, true, func() { stopped = true }))
	assert.False(t, stopped)

	// a late response still settles the tracker
	tr.finish()
	select {
	case <-tr.idle:
	default:
		t.Fatal("tracker not idle")
	}
}
