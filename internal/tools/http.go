package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/itchyny/gojq"

	"github.com/voicewire/voicewire/internal/confsvc"
)

// defaultToolTimeout applies when a custom tool carries no response-timeout.
const defaultToolTimeout = 10 * time.Second

// callCustom executes one generic HTTP tool: substitutes path parameters,
// merges constant and LLM-provided query parameters, applies static headers
// and the per-tool timeout, then extracts the configured response fields
// into the session's variables.
func (e *Engine) callCustom(ctx context.Context, ct confsvc.CustomTool, args json.RawMessage) any {
	var in map[string]any
	if err := json.Unmarshal(args, &in); err != nil {
		in = map[string]any{}
	}

	target := ct.URL
	for _, p := range ct.PathParams {
		val := stringValue(in[p.Name])
		target = strings.ReplaceAll(target, "{"+p.Name+"}", url.PathEscape(val))
	}

	query := url.Values{}
	for _, p := range ct.QueryParams {
		if p.Constant != "" {
			query.Set(p.Name, p.Constant)
			continue
		}
		if v, ok := in[p.Name]; ok {
			query.Set(p.Name, stringValue(v))
		}
	}
	if enc := query.Encode(); enc != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + enc
	}

	timeout := defaultToolTimeout
	if ct.TimeoutSeconds > 0 {
		timeout = time.Duration(ct.TimeoutSeconds) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(ct.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		// Non-GET tools receive all LLM arguments, path and query ones
		// included, as a JSON body.
		payload, _ := json.Marshal(in)
		body = strings.NewReader(string(payload))
	}

	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range ct.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		slog.Warn("custom tool request failed", "call_sid", e.callSID, "tool", ct.Name, "err", err)
		return map[string]any{"success": false, "error": err.Error()}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return map[string]any{
			"success": false,
			"status":  resp.StatusCode,
			"error":   strings.TrimSpace(string(raw)),
		}
	}

	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		data = string(raw)
	}

	result := map[string]any{
		"success": true,
		"status":  resp.StatusCode,
		"data":    data,
	}

	if len(ct.Assignments) > 0 {
		extracted := make(map[string]string)
		for _, a := range ct.Assignments {
			val, ok := extractPath(data, a.Path)
			if !ok {
				continue
			}
			extracted[a.Variable] = val
		}
		if len(extracted) > 0 {
			result["extracted"] = extracted
			e.events.VariablesExtracted(extracted)
		}
	}
	return result
}

// extractPath evaluates a dot-notation path ("data.items.0.id") against a
// decoded JSON value using gojq and renders the result as a string.
func extractPath(data any, path string) (string, bool) {
	query, err := gojq.Parse(gojqQuery(path))
	if err != nil {
		return "", false
	}

	iter := query.Run(data)
	v, ok := iter.Next()
	if !ok {
		return "", false
	}
	if _, isErr := v.(error); isErr || v == nil {
		return "", false
	}
	return stringValue(v), true
}

// gojqQuery converts dot-notation to a gojq index chain: numeric segments
// become array indices, everything else generic object lookups, e.g.
// "order.items.0.sku" → `.["order"]["items"][0]["sku"]`.
func gojqQuery(path string) string {
	var sb strings.Builder
	sb.WriteByte('.')
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			continue
		}
		if _, err := strconv.Atoi(seg); err == nil {
			sb.WriteString("[" + seg + "]")
		} else {
			sb.WriteString(`["` + seg + `"]`)
		}
	}
	return sb.String()
}

// stringValue renders an LLM argument or extracted JSON value as a string.
func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}
