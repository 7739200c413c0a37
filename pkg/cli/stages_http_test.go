package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordPaginatesFieldsInGroupsOf25(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	stage, err := discordFactory([]string{srv.URL})
	require.NoError(t, err)

	in := make(chan any, 200)
	for i := 0; i < 100; i++ {
		in <- fmt.Sprintf("node-%d", i)
	}
	close(in)
	out := make(chan any, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, stage.run(ctx, &Env{}, in, out))

	assert.EqualValues(t, 4, atomic.LoadInt32(&requests), "100 fields at 25 per embed must produce exactly 4 POSTs")
	msg := <-out
	assert.Equal(t, "4 requests sent.", msg)
}

func TestSlackPaginatesFieldsInGroupsOf25(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	stage, err := slackFactory([]string{srv.URL})
	require.NoError(t, err)

	in := make(chan any, 200)
	for i := 0; i < 60; i++ {
		in <- fmt.Sprintf("node-%d", i)
	}
	close(in)
	out := make(chan any, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, stage.run(ctx, &Env{}, in, out))

	assert.EqualValues(t, 3, atomic.LoadInt32(&requests), "60 fields at 25 per page must produce exactly 3 POSTs")
	msg := <-out
	assert.Equal(t, "3 requests sent.", msg)
}

func TestJiraTruncatesDescriptionPast25Lines(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	stage, err := jiraFactory([]string{srv.URL, "PROJ-1", "reporter-1"})
	require.NoError(t, err)

	in := make(chan any, 40)
	for i := 0; i < 30; i++ {
		in <- fmt.Sprintf("line-%d", i)
	}
	close(in)
	out := make(chan any, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, stage.run(ctx, &Env{}, in, out))

	var issue jiraIssue
	require.NoError(t, json.Unmarshal(body, &issue))
	lines := strings.Split(issue.Fields.Description, "\n")
	assert.Len(t, lines, 28, "25 kept lines, the truncation marker, a blank separator, and the trailing attribution line")
	assert.True(t, strings.HasSuffix(issue.Fields.Description, "\n... (results truncated)\n\nIssue created by Resoto"))
	assert.Equal(t, "line-0", lines[0])
	assert.Equal(t, "line-24", lines[24])

	msg := <-out
	assert.Equal(t, "1 request sent.", msg)
}

func TestJiraLeavesShortDescriptionUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	stage, err := jiraFactory([]string{srv.URL, "PROJ-1", "reporter-1"})
	require.NoError(t, err)

	in := make(chan any, 2)
	in <- "only-line"
	close(in)
	out := make(chan any, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, stage.run(ctx, &Env{}, in, out))
	assert.Equal(t, "1 request sent.", <-out)
}

func TestHTTPStageMustBeSink(t *testing.T) {
	e := testEngine(t)
	_, err := e.Compile(`http GET http://example.invalid`)
	assert.Error(t, err)
}
