package cli

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/cuemby/warden/pkg/corerr"
)

func registerHTTPStages(r *Registry) {
	r.register("http", httpFactory)
	r.register("discord", discordFactory)
	r.register("slack", slackFactory)
	r.register("jira", jiraFactory)
}

// --- http ---

func httpFactory(args []string) (compiledStage, error) {
	method := http.MethodPost
	compress := false
	timeout := 30 * time.Second
	backoffBase := time.Second
	var url string
	var headers, params []string

	i := 0
	for i < len(args) {
		a := args[i]
		switch {
		case a == "--compress":
			compress = true
		case a == "--timeout":
			i++
			if i >= len(args) {
				return compiledStage{}, corerr.New(corerr.KindParseError, "http: --timeout requires a value")
			}
			secs, err := strconv.ParseFloat(args[i], 64)
			if err != nil {
				return compiledStage{}, corerr.Wrap(corerr.KindParseError, "http: --timeout must be numeric", err)
			}
			timeout = time.Duration(secs * float64(time.Second))
		case a == "--backoff-base":
			i++
			if i >= len(args) {
				return compiledStage{}, corerr.New(corerr.KindParseError, "http: --backoff-base requires a value")
			}
			secs, err := strconv.ParseFloat(args[i], 64)
			if err != nil {
				return compiledStage{}, corerr.Wrap(corerr.KindParseError, "http: --backoff-base must be numeric", err)
			}
			backoffBase = time.Duration(secs * float64(time.Second))
		case url == "" && isHTTPMethod(a):
			method = strings.ToUpper(a)
		case url == "":
			url = a
		case strings.Contains(a, ":") && !strings.Contains(a, "="):
			headers = append(headers, a)
		default:
			params = append(params, a)
		}
		i++
	}
	if url == "" {
		return compiledStage{}, corerr.New(corerr.KindParseError, "http: url is required")
	}

	return compiledStage{name: "http", position: PositionSink, run: timedStage("http", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		client := retryablehttp.NewClient()
		client.RetryMax = 3
		client.RetryWaitMin = backoffBase
		client.RetryWaitMax = backoffBase * 4
		client.Logger = nil

		sent := 0
		var lastStatus int
		for v := range in {
			body, err := buildHTTPBody(v, params, compress)
			if err != nil {
				drain(in)
				return corerr.Wrap(corerr.KindExternalFailure, "http: encode body", err)
			}
			reqCtx, cancel := context.WithTimeout(ctx, timeout)
			req, err := retryablehttp.NewRequestWithContext(reqCtx, method, url, body)
			if err != nil {
				cancel()
				drain(in)
				return corerr.Wrap(corerr.KindExternalFailure, "http: build request", err)
			}
			req.Header.Set("Content-Type", "application/json")
			if compress {
				req.Header.Set("Content-Encoding", "gzip")
			}
			applyHeaders(req.Request, headers)

			resp, err := client.Do(req)
			cancel()
			if err != nil {
				drain(in)
				return corerr.Wrap(corerr.KindExternalFailure, "http: request failed", err)
			}
			resp.Body.Close()
			lastStatus = resp.StatusCode
			sent++
		}
		emit(ctx, out, fmt.Sprintf("%d requests with status %d sent.", sent, lastStatus))
		return nil
	})}, nil
}

func isHTTPMethod(s string) bool {
	switch strings.ToUpper(s) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func applyHeaders(req *http.Request, headers []string) {
	for _, h := range headers {
		idx := strings.Index(h, ":")
		if idx < 0 {
			continue
		}
		req.Header.Set(strings.TrimSpace(h[:idx]), strings.TrimSpace(h[idx+1:]))
	}
}

func buildHTTPBody(v any, params []string, compress bool) ([]byte, error) {
	payload := v
	if len(params) > 0 {
		m, ok := v.(map[string]any)
		if !ok {
			m = map[string]any{"value": v}
		}
		for _, p := range params {
			idx := strings.Index(p, "=")
			if idx < 0 {
				continue
			}
			m[p[:idx]] = p[idx+1:]
		}
		payload = m
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if !compress {
		return data, nil
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// --- discord ---

type discordEmbed struct {
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Fields      []discordField `json:"fields,omitempty"`
	Footer      discordFooter  `json:"footer"`
}

type discordField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type discordFooter struct {
	Text string `json:"text"`
}

const discordMaxFieldsPerEmbed = 25

func discordFactory(args []string) (compiledStage, error) {
	if len(args) == 0 {
		return compiledStage{}, corerr.New(corerr.KindParseError, "discord: webhook url is required")
	}
	url := args[0]
	title := "Warden Notification"
	if len(args) > 1 {
		title = strings.Join(args[1:], " ")
	}
	return compiledStage{name: "discord", position: PositionSink, run: timedStage("discord", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		var fields []discordField
		for v := range in {
			fields = append(fields, discordField{Name: seedID(v), Value: renderScalar(v)})
		}

		client := retryablehttp.NewClient()
		client.RetryMax = 3
		client.Logger = nil

		sent := 0
		for i := 0; i < len(fields) || (i == 0 && len(fields) == 0); i += discordMaxFieldsPerEmbed {
			end := i + discordMaxFieldsPerEmbed
			if end > len(fields) {
				end = len(fields)
			}
			embed := discordEmbed{Type: "rich", Title: title, Fields: fields[i:end], Footer: discordFooter{Text: "Message created by Resoto"}}
			body, err := json.Marshal(map[string]any{"embeds": []discordEmbed{embed}})
			if err != nil {
				return corerr.Wrap(corerr.KindExternalFailure, "discord: encode body", err)
			}
			req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
			if err != nil {
				return corerr.Wrap(corerr.KindExternalFailure, "discord: build request", err)
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				return corerr.Wrap(corerr.KindExternalFailure, "discord: request failed", err)
			}
			resp.Body.Close()
			sent++
			if len(fields) == 0 {
				break
			}
		}
		emit(ctx, out, fmt.Sprintf("%d requests sent.", sent))
		return nil
	})}, nil
}

// --- slack ---

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const slackMaxFieldsPerPage = 25

func slackFactory(args []string) (compiledStage, error) {
	if len(args) == 0 {
		return compiledStage{}, corerr.New(corerr.KindParseError, "slack: webhook url is required")
	}
	url := args[0]
	header := "Warden Notification"
	if len(args) > 1 {
		header = strings.Join(args[1:], " ")
	}
	return compiledStage{name: "slack", position: PositionSink, run: timedStage("slack", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		var fields []slackText
		for v := range in {
			fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s*\n%s", seedID(v), renderScalar(v))})
		}

		client := retryablehttp.NewClient()
		client.RetryMax = 3
		client.Logger = nil

		sent := 0
		for i := 0; i < len(fields) || (i == 0 && len(fields) == 0); i += slackMaxFieldsPerPage {
			end := i + slackMaxFieldsPerPage
			if end > len(fields) {
				end = len(fields)
			}
			blocks := []slackBlock{
				{Type: "header", Text: &slackText{Type: "plain_text", Text: header}},
				{Type: "section", Fields: fields[i:end]},
				{Type: "context", Elements: []slackText{{Type: "mrkdwn", Text: "Message created by Resoto"}}},
			}
			body, err := json.Marshal(map[string]any{"blocks": blocks})
			if err != nil {
				return corerr.Wrap(corerr.KindExternalFailure, "slack: encode body", err)
			}
			req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
			if err != nil {
				return corerr.Wrap(corerr.KindExternalFailure, "slack: build request", err)
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				return corerr.Wrap(corerr.KindExternalFailure, "slack: request failed", err)
			}
			resp.Body.Close()
			sent++
			if len(fields) == 0 {
				break
			}
		}
		emit(ctx, out, fmt.Sprintf("%d requests sent.", sent))
		return nil
	})}, nil
}

// --- jira ---

type jiraIssue struct {
	Fields jiraFields `json:"fields"`
}

type jiraFields struct {
	Summary     string       `json:"summary"`
	IssueType   jiraIssueRef `json:"issuetype"`
	Project     jiraIssueRef `json:"project"`
	Description string       `json:"description"`
	Reporter    jiraIssueRef `json:"reporter"`
	Labels      []string     `json:"labels"`
}

type jiraIssueRef struct {
	ID string `json:"id"`
}

const jiraMaxDescriptionLines = 25

func jiraFactory(args []string) (compiledStage, error) {
	if len(args) < 3 {
		return compiledStage{}, corerr.New(corerr.KindParseError, "jira: url, project_id and reporter_id are required")
	}
	url, projectID, reporterID := args[0], args[1], args[2]
	summary := "Warden Notification"
	if len(args) > 3 {
		summary = strings.Join(args[3:], " ")
	}
	return compiledStage{name: "jira", position: PositionSink, run: timedStage("jira", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		var lines []string
		for v := range in {
			lines = append(lines, renderScalar(v))
		}
		truncated := lines
		if len(truncated) > jiraMaxDescriptionLines {
			truncated = truncated[:jiraMaxDescriptionLines]
		}
		description := strings.Join(truncated, "\n")
		if len(lines) > jiraMaxDescriptionLines {
			description += "\n... (results truncated)\n\nIssue created by Resoto"
		}

		issue := jiraIssue{Fields: jiraFields{
			Summary:     summary,
			IssueType:   jiraIssueRef{ID: "10001"},
			Project:     jiraIssueRef{ID: projectID},
			Description: description,
			Reporter:    jiraIssueRef{ID: reporterID},
			Labels:      []string{"created-by-resoto"},
		}}
		body, err := json.Marshal(issue)
		if err != nil {
			return corerr.Wrap(corerr.KindExternalFailure, "jira: encode body", err)
		}

		client := retryablehttp.NewClient()
		client.RetryMax = 3
		client.Logger = nil
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
		if err != nil {
			return corerr.Wrap(corerr.KindExternalFailure, "jira: build request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return corerr.Wrap(corerr.KindExternalFailure, "jira: request failed", err)
		}
		resp.Body.Close()
		emit(ctx, out, "1 request sent.")
		return nil
	})}, nil
}
