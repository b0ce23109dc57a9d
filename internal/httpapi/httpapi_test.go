package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/storage"
	"taskd/internal/task/engine"
	"taskd/internal/task/handlers"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

func testEngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.DrainInterval = 5 * time.Millisecond
	cfg.DefaultRetries = 0
	cfg.DefaultRetryDelay = 0
	cfg.DefaultTimeout = 2 * time.Second
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

type fakeHistory struct {
	out       []storage.Outcome
	err       error
	lastLimit atomic.Int64
}

func (f *fakeHistory) RecentOutcomes(_ context.Context, limit int) ([]storage.Outcome, error) {
	f.lastLimit.Store(int64(limit))
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.out) {
		return f.out[:limit], nil
	}
	return f.out, nil
}

type fixedSchedules struct{ snap scheduler.Snapshot }

func (f fixedSchedules) Snapshot() scheduler.Snapshot { return f.snap }

func newTestAPI(t *testing.T, start bool, deps Deps) (*httptest.Server, *engine.Service) {
	t.Helper()
	eng := engine.New(testEngineConfig(), logx.Nop(), nil)
	if start {
		eng.Start(context.Background())
		t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	}
	deps.Engine = eng
	if deps.Catalogue == nil {
		deps.Catalogue = handlers.NewRegistry(nil)
	}
	srv := httptest.NewServer(NewRouter(deps, logx.Nop()))
	t.Cleanup(srv.Close)
	return srv, eng
}

func do(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = bytes.NewBufferString(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			rd = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func submitID(t *testing.T, base string, body any) string {
	t.Helper()
	resp, data := do(t, http.MethodPost, base+"/v1/tasks", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(data))
	var out SubmitResponse
	require.NoError(t, json.Unmarshal(data, &out))
	require.NotEmpty(t, out.ID)
	return out.ID
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv, _ := newTestAPI(t, false, Deps{Health: func() any { return map[string]int{"active": 3} }})

	resp, data := do(t, http.MethodGet, srv.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"active": float64(3)}, body["runtime"])
}

func TestSubmitAndStatus(t *testing.T) {
	t.Parallel()
	srv, eng := newTestAPI(t, true, Deps{})

	id := submitID(t, srv.URL, map[string]any{
		"handler":  "echo",
		"name":     "greet",
		"priority": "high",
		"args":     map[string]any{"msg": "hi"},
	})

	require.Eventually(t, func() bool {
		tk, ok := eng.Status(id)
		return ok && tk.Status == engine.StatusCompleted
	}, 3*time.Second, 5*time.Millisecond)

	resp, data := do(t, http.MethodGet, srv.URL+"/v1/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view TaskView
	require.NoError(t, json.Unmarshal(data, &view))
	assert.Equal(t, string(engine.StatusCompleted), view.Status)

	assert.Equal(t, "greet", view.Name)
	assert.Equal(t, "high", view.Priority)
	assert.Equal(t, 1, view.Attempts)
	assert.Equal(t, "success", view.LastOutcome)
	assert.Equal(t, map[string]any{"msg": "hi"}, view.Result)
	assert.NotNil(t, view.FinishedAt)
}

func TestSubmitDefaultsNameToHandler(t *testing.T) {
	t.Parallel()
	srv, eng := newTestAPI(t, false, Deps{})

	id := submitID(t, srv.URL, map[string]any{"handler": "NoOp", "retries": 2, "delay": "1m", "timeout": "5s"})
	tk, ok := eng.Status(id)
	require.True(t, ok)
	assert.Equal(t, "noop", tk.Name)
	assert.Equal(t, 3, tk.MaxAttempts)
	assert.Equal(t, time.Minute, tk.Delay)
	assert.Equal(t, 5*time.Second, tk.Timeout)
	assert.Equal(t, engine.StatusPending, tk.Status)
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	t.Parallel()
	srv, _ := newTestAPI(t, false, Deps{})

	cases := []struct {
		name string
		body any
	}{
		{"empty body", ""},
		{"not json", "{"},
		{"unknown field", `{"handler":"noop","colour":"red"}`},
		{"trailing data", `{"handler":"noop"} {}`},
		{"missing handler", map[string]any{"name": "x"}},
		{"bad priority", map[string]any{"handler": "noop", "priority": "urgent"}},
		{"negative retries", map[string]any{"handler": "noop", "retries": -1}},
		{"bad duration", map[string]any{"handler": "noop", "timeout": "soon"}},
		{"negative delay", map[string]any{"handler": "noop", "delay": "-1s"}},
		{"unknown handler", map[string]any{"handler": "nope"}},
		{"bad handler args", map[string]any{"handler": "http.get", "args": map[string]any{"url": "ftp://x"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, data := do(t, http.MethodPost, srv.URL+"/v1/tasks", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(data))
			var er ErrorResponse
			require.NoError(t, json.Unmarshal(data, &er))
			assert.NotEmpty(t, er.Error)
			assert.NotEmpty(t, er.RequestID)
		})
	}
}

func TestSubmitDisabledEngine(t *testing.T) {
	t.Parallel()
	cfg := testEngineConfig()
	cfg.Enabled = false
	eng := engine.New(cfg, logx.Nop(), nil)
	srv := httptest.NewServer(NewRouter(Deps{Engine: eng, Catalogue: handlers.NewRegistry(nil)}, logx.Nop()))
	t.Cleanup(srv.Close)

	resp, _ := do(t, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"handler": "noop"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSubmitAfterStop(t *testing.T) {
	t.Parallel()
	srv, eng := newTestAPI(t, true, Deps{})
	require.NoError(t, eng.Stop(context.Background()))

	resp, _ := do(t, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"handler": "noop"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatusNotFound(t *testing.T) {
	t.Parallel()
	srv, _ := newTestAPI(t, false, Deps{})

	resp, _ := do(t, http.MethodGet, srv.URL+"/v1/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	srv, eng := newTestAPI(t, false, Deps{})

	id := submitID(t, srv.URL, map[string]any{"handler": "noop"})
	resp, _ := do(t, http.MethodDelete, srv.URL+"/v1/tasks/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, ok := eng.Status(id)
	assert.False(t, ok)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/v1/tasks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelFinishedConflicts(t *testing.T) {
	t.Parallel()
	srv, eng := newTestAPI(t, true, Deps{})

	id := submitID(t, srv.URL, map[string]any{"handler": "noop"})
	require.Eventually(t, func() bool {
		tk, ok := eng.Status(id)
		return ok && tk.Status == engine.StatusCompleted
	}, 3*time.Second, 5*time.Millisecond)

	resp, _ := do(t, http.MethodDelete, srv.URL+"/v1/tasks/"+id, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStatsAndClearFinished(t *testing.T) {
	t.Parallel()
	srv, eng := newTestAPI(t, true, Deps{})

	a := submitID(t, srv.URL, map[string]any{"handler": "noop"})
	b := submitID(t, srv.URL, map[string]any{"handler": "fail"})
	require.Eventually(t, func() bool {
		ta, okA := eng.Status(a)
		tb, okB := eng.Status(b)
		return okA && okB && ta.Status == engine.StatusCompleted && tb.Status == engine.StatusFailed
	}, 3*time.Second, 5*time.Millisecond)

	resp, data := do(t, http.MethodGet, srv.URL+"/v1/tasks/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st engine.Stats
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 1, st.Failed)
	assert.True(t, st.IsEnabled)

	resp, data = do(t, http.MethodPost, srv.URL+"/v1/tasks/clear-finished", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"removed":2}`, string(data))
	assert.Equal(t, 0, eng.Stats().Total)
}

func TestHandlersList(t *testing.T) {
	t.Parallel()
	srv, _ := newTestAPI(t, false, Deps{})

	resp, data := do(t, http.MethodGet, srv.URL+"/v1/handlers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string][]string
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Contains(t, body["handlers"], "echo")
	assert.Contains(t, body["handlers"], "http.get")
}

func TestHistory(t *testing.T) {
	t.Parallel()

	t.Run("no store", func(t *testing.T) {
		srv, _ := newTestAPI(t, false, Deps{})
		resp, _ := do(t, http.MethodGet, srv.URL+"/v1/history", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("limit", func(t *testing.T) {
		h := &fakeHistory{out: []storage.Outcome{
			{TaskID: "t-2", Name: "b", Status: "failed"},
			{TaskID: "t-1", Name: "a", Status: "completed"},
		}}
		srv, _ := newTestAPI(t, false, Deps{History: h})

		resp, data := do(t, http.MethodGet, srv.URL+"/v1/history?limit=1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body struct {
			Outcomes []storage.Outcome `json:"outcomes"`
			Count    int               `json:"count"`
		}
		require.NoError(t, json.Unmarshal(data, &body))
		assert.Equal(t, 1, body.Count)
		assert.Equal(t, "t-2", body.Outcomes[0].TaskID)

		resp, _ = do(t, http.MethodGet, srv.URL+"/v1/history?limit=999999", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.EqualValues(t, maxHistoryLimit, h.lastLimit.Load())

		resp, _ = do(t, http.MethodGet, srv.URL+"/v1/history?limit=zero", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("store error", func(t *testing.T) {
		srv, _ := newTestAPI(t, false, Deps{History: &fakeHistory{err: errors.New("disk gone")}})
		resp, _ := do(t, http.MethodGet, srv.URL+"/v1/history", nil)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

func TestSchedules(t *testing.T) {
	t.Parallel()
	snap := scheduler.Snapshot{Enabled: true, Timezone: "UTC", Schedules: []scheduler.ScheduleInfo{{ID: "sch-1", Name: "nightly"}}}
	srv, _ := newTestAPI(t, false, Deps{Schedules: fixedSchedules{snap: snap}})

	resp, data := do(t, http.MethodGet, srv.URL+"/v1/schedules", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got scheduler.Snapshot
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got.Schedules, 1)
	assert.Equal(t, "nightly", got.Schedules[0].Name)
	assert.Equal(t, "UTC", got.Timezone)
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("pong")) })
	s := NewService(Config{Enabled: true, Addr: "127.0.0.1:0"}, h, logx.Nop())

	s.Start(context.Background())
	select {
	case <-s.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("server never became ready")
	}
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, data := do(t, http.MethodGet, "http://"+addr+"/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(data))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Empty(t, s.Addr())
	require.NoError(t, s.Stop(ctx))
}

func TestServiceDisabled(t *testing.T) {
	t.Parallel()
	s := NewService(Config{}, http.NotFoundHandler(), logx.Nop())
	s.Start(context.Background())
	assert.Nil(t, s.Ready())
	assert.Empty(t, s.Addr())
	assert.NoError(t, s.Stop(context.Background()))
}

func TestProfilerMount(t *testing.T) {
	t.Parallel()
	srv, _ := newTestAPI(t, false, Deps{Profiler: true})
	resp, _ := do(t, http.MethodGet, srv.URL+"/debug/pprof/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	plain, _ := newTestAPI(t, false, Deps{})
	resp, _ = do(t, http.MethodGet, plain.URL+"/debug/pprof/", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	assert.True(t, IsLoopbackAddr("127.0.0.1:8080"))
	assert.True(t, IsLoopbackAddr("localhost:8080"))
	assert.True(t, IsLoopbackAddr("[::1]:8080"))
	assert.False(t, IsLoopbackAddr(":8080"))
	assert.False(t, IsLoopbackAddr("0.0.0.0:8080"))
	assert.False(t, IsLoopbackAddr("example.com:80"))
	assert.False(t, IsLoopbackAddr("nope"))
}
