package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taskd/internal/task/engine"
)

func noopFactory(Args) (engine.Operation, error) {
	return func(context.Context) (any, error) { return nil, nil }, nil
}

// sleep holds a slot for args.duration ("250ms", or a number of milliseconds).
// It ignores context cancellation on purpose: the engine never cancels
// operations, and sleep is used to exercise timeouts.
func sleepFactory(args Args) (engine.Operation, error) {
	d, err := args.Duration("duration", time.Second)
	if err != nil {
		return nil, err
	}
	return func(context.Context) (any, error) {
		time.Sleep(d)
		return map[string]any{"slept": d.String()}, nil
	}, nil
}

func failFactory(args Args) (engine.Operation, error) {
	msg := args.String("message", "failed on purpose")
	return func(context.Context) (any, error) { return nil, errors.New(msg) }, nil
}

func echoFactory(args Args) (engine.Operation, error) {
	cp := make(map[string]any, len(args))
	for k, v := range args {
		cp[k] = v
	}
	return func(context.Context) (any, error) { return cp, nil }, nil
}

// HTTPResult is the result of http.get.
type HTTPResult struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	Bytes      int64  `json:"bytes"`
}

func httpGetFactory(client *http.Client) Factory {
	return func(args Args) (engine.Operation, error) {
		raw := args.String("url", "")
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("args.url must be an absolute http(s) URL, got %q", raw)
		}
		target := u.String()
		return func(ctx context.Context) (any, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
			if err != nil {
				return nil, err
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			n, _ := io.Copy(io.Discard, resp.Body)
			res := HTTPResult{URL: target, StatusCode: resp.StatusCode, Bytes: n}
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return res, fmt.Errorf("GET %s: %s", target, resp.Status)
			}
			return res, nil
		}, nil
	}
}

// String returns args[key] as a string, or def when absent.
func (a Args) String(key, def string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Duration reads a Go duration string or a number of milliseconds.
func (a Args) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	var d time.Duration
	switch x := v.(type) {
	case string:
		var err error
		d, err = time.ParseDuration(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("args.%s: %w", key, err)
		}
	case float64:
		d = time.Duration(x * float64(time.Millisecond))
	case int:
		d = time.Duration(x) * time.Millisecond
	case int64:
		d = time.Duration(x) * time.Millisecond
	default:
		return 0, fmt.Errorf("args.%s: unsupported type %T", key, v)
	}
	if d < 0 {
		return 0, fmt.Errorf("args.%s must be >= 0", key)
	}
	return d, nil
}
