package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/fishqueue/internal/controller"
	"github.com/hochfrequenz/fishqueue/internal/domain"
	"github.com/hochfrequenz/fishqueue/internal/lease"
	"github.com/hochfrequenz/fishqueue/internal/logging"
	"github.com/hochfrequenz/fishqueue/internal/observer"
	"github.com/hochfrequenz/fishqueue/internal/runstore"
	"github.com/hochfrequenz/fishqueue/internal/scheduler"
	"github.com/hochfrequenz/fishqueue/internal/workerproto"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	store := runstore.NewMemory()
	leases := lease.NewManager(time.Hour, lease.WithLogger(logging.Discard()))
	ctl := controller.New(controller.Options{
		Store:     store,
		Leases:    leases,
		Scheduler: scheduler.New(store, leases, scheduler.DefaultLimits(), logging.Discard()),
		Logger:    logging.Discard(),
	})
	obs := observer.New(time.Minute, time.Minute)
	ctl.Subscribe(obs.Listen)

	s := New(Options{Controller: ctl, Observer: obs, Logger: logging.Discard()})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Hub().Close()
		ts.Close()
	})
	return s, ts
}

func doJSON(t *testing.T, method, url string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func runConfig(games int) domain.RunConfig {
	return domain.RunConfig{
		Username: "alice",
		NumGames: games,
		Elo0:     0,
		Elo1:     5,
		Alpha:    0.05,
		Beta:     0.05,
		Args:     json.RawMessage(`{"tc":"10+0.1"}`),
	}
}

func submit(t *testing.T, ts *httptest.Server, games int) string {
	t.Helper()
	var resp SubmitRunResponse
	code := doJSON(t, http.MethodPost, ts.URL+"/api/runs", runConfig(games), &resp)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

func TestSubmitAndGetRun(t *testing.T) {
	_, ts := newTestServer(t)
	id := submit(t, ts, 1000)

	var view controller.RunView
	code := doJSON(t, http.MethodGet, ts.URL+"/api/runs/"+id, nil, &view)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, id, view.ID)
	assert.Equal(t, domain.RunActive, view.Status)
	assert.Equal(t, 1000, view.Remaining)
	assert.JSONEq(t, `{"tc":"10+0.1"}`, string(view.Config.Args))
}

func TestSubmitRun_Invalid(t *testing.T) {
	_, ts := newTestServer(t)

	cfg := runConfig(1000)
	cfg.Elo1 = -1
	var body map[string]string
	code := doJSON(t, http.MethodPost, ts.URL+"/api/runs", cfg, &body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "elo1")
}

func TestSubmitRun_MalformedBody(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/runs", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRun_NotFound(t *testing.T) {
	_, ts := newTestServer(t)
	code := doJSON(t, http.MethodGet, ts.URL+"/api/runs/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestListRuns(t *testing.T) {
	_, ts := newTestServer(t)
	first := submit(t, ts, 1000)
	second := submit(t, ts, 1000)

	code := doJSON(t, http.MethodPost, ts.URL+"/api/runs/"+second+"/priority", PriorityRequest{Priority: 5}, nil)
	require.Equal(t, http.StatusOK, code)

	var views []controller.RunView
	code = doJSON(t, http.MethodGet, ts.URL+"/api/runs?status=active", nil, &views)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, views, 2)
	assert.Equal(t, second, views[0].ID)
	assert.Equal(t, first, views[1].ID)

	code = doJSON(t, http.MethodGet, ts.URL+"/api/runs?status=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = doJSON(t, http.MethodGet, ts.URL+"/api/runs?unfinished=maybe", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = doJSON(t, http.MethodGet, ts.URL+"/api/runs?username=bob", nil, &views)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, views)
}

func TestStopRun(t *testing.T) {
	_, ts := newTestServer(t)
	id := submit(t, ts, 1000)

	var view controller.RunView
	code := doJSON(t, http.MethodPost, ts.URL+"/api/runs/"+id+"/stop", StopRequest{Reason: "bad patch"}, &view)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.RunFinished, view.Status)
	assert.Equal(t, domain.RunStopped, view.Outcome)
	assert.Equal(t, "bad patch", view.StopReason)
}

func TestAdjustGames(t *testing.T) {
	_, ts := newTestServer(t)
	id := submit(t, ts, 1000)

	var view controller.RunView
	code := doJSON(t, http.MethodPost, ts.URL+"/api/runs/"+id+"/games", AdjustRequest{NumGames: 2000}, &view)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2000, view.Config.NumGames)

	code = doJSON(t, http.MethodPost, ts.URL+"/api/runs/"+id+"/games", AdjustRequest{NumGames: 0}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWorkerFlow(t *testing.T) {
	_, ts := newTestServer(t)
	id := submit(t, ts, 1000)
	worker := domain.WorkerInfo{Username: "bob", Concurrency: 4, UniqueKey: "w1"}

	var got RequestTaskResponse
	code := doJSON(t, http.MethodPost, ts.URL+"/api/request_task", RequestTaskRequest{Worker: worker}, &got)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, got.Task)
	assert.Equal(t, id, got.Task.Ref.RunID)
	assert.Equal(t, 128, got.Task.NumGames)
	ref := got.Task.Ref

	var ack workerproto.AckMessage
	update := workerproto.UpdateMessage{
		Ref:   ref,
		Seq:   1,
		Stats: domain.Stats{Wins: 1, Losses: 1, Draws: 6, Pentanomial: [5]int{0, 1, 2, 1, 0}},
	}
	code = doJSON(t, http.MethodPost, ts.URL+"/api/update_task", update, &ack)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, ack.Applied)
	assert.True(t, ack.TaskAlive)

	code = doJSON(t, http.MethodPost, ts.URL+"/api/heartbeat", workerproto.HeartbeatMessage{Ref: ref}, &ack)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, ack.TaskAlive)

	// more games than the slice holds
	update.Seq = 2
	update.Stats = domain.Stats{Draws: 400, Pentanomial: [5]int{0, 0, 200, 0, 0}}
	code = doJSON(t, http.MethodPost, ts.URL+"/api/update_task", update, nil)
	assert.Equal(t, http.StatusConflict, code)

	code = doJSON(t, http.MethodPost, ts.URL+"/api/failed_task", workerproto.FailedMessage{Ref: ref, Message: "crash"}, &ack)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, ack.TaskAlive)

	var view controller.RunView
	doJSON(t, http.MethodGet, ts.URL+"/api/runs/"+id, nil, &view)
	assert.Equal(t, 8, view.Games)
	assert.Equal(t, 0, view.LeasedTasks)
}

func TestRequestTask_NoWork(t *testing.T) {
	_, ts := newTestServer(t)

	var got RequestTaskResponse
	code := doJSON(t, http.MethodPost, ts.URL+"/api/request_task", RequestTaskRequest{
		Worker: domain.WorkerInfo{Username: "bob", Concurrency: 4, UniqueKey: "w1"},
	}, &got)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, got.NoWork)
	assert.Nil(t, got.Task)
}

func TestRequestTask_InvalidWorker(t *testing.T) {
	_, ts := newTestServer(t)
	submit(t, ts, 1000)

	code := doJSON(t, http.MethodPost, ts.URL+"/api/request_task", RequestTaskRequest{
		Worker: domain.WorkerInfo{Username: "bob"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWorkerStopRun(t *testing.T) {
	_, ts := newTestServer(t)
	id := submit(t, ts, 1000)

	code := doJSON(t, http.MethodPost, ts.URL+"/api/stop_run", workerproto.StopRunMessage{RunID: id, Message: "bench mismatch"}, nil)
	require.Equal(t, http.StatusOK, code)

	var view controller.RunView
	doJSON(t, http.MethodGet, ts.URL+"/api/runs/"+id, nil, &view)
	assert.Contains(t, view.StopReason, "bench mismatch")

	code = doJSON(t, http.MethodPost, ts.URL+"/api/stop_run", workerproto.StopRunMessage{}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStatus(t *testing.T) {
	_, ts := newTestServer(t)
	submit(t, ts, 1000)
	stopped := submit(t, ts, 500)
	doJSON(t, http.MethodPost, ts.URL+"/api/runs/"+stopped+"/stop", StopRequest{}, nil)

	var status StatusResponse
	code := doJSON(t, http.MethodGet, ts.URL+"/api/status", nil, &status)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, status.Runs[domain.RunActive])
	assert.Equal(t, 1, status.Runs[domain.RunFinished])
	assert.Equal(t, 1000, status.Pending)
	require.NotNil(t, status.Metrics)
	assert.Equal(t, 2, status.Metrics.RunsSubmitted)
	assert.Empty(t, status.Workers)
}

func TestEvents(t *testing.T) {
	s, ts := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return s.Hub().Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	id := submit(t, ts, 1000)

	lines := make(chan string, 100)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed early")
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var e controller.Event
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
			assert.Equal(t, controller.EventRunSubmitted, e.Type)
			assert.Equal(t, id, e.RunID)
			return
		case <-timeout:
			t.Fatal("no event received")
		}
	}
}

func TestSSEHub_DropsSlowClient(t *testing.T) {
	h := NewSSEHub()
	ch := h.Subscribe()

	for i := 0; i < 40; i++ {
		h.Broadcast(SSEEvent{Type: fmt.Sprintf("e%d", i)})
	}
	assert.Equal(t, 0, h.Clients())

	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, 32, n)
}

func TestSSEHub_Close(t *testing.T) {
	h := NewSSEHub()
	ch := h.Subscribe()
	h.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late := h.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&domain.ValidationError{Message: "x"}, http.StatusBadRequest},
		{&domain.NotFoundError{Kind: "run", ID: "x"}, http.StatusNotFound},
		{&domain.CapacityExceededError{}, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", runstore.ErrExists), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorStatus(tt.err), tt.err.Error())
	}
}
