package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/jobflow/internal/engine"
	"github.com/seantiz/jobflow/internal/model"
)

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func waitFinished(t *testing.T, srv *Server, id string) engine.RunInfo {
	t.Helper()
	done, err := srv.engine.Done(id)
	if err != nil {
		t.Fatalf("Done: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("run %s did not finish", id)
	}
	info, err := srv.engine.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return info
}

func TestRunSync(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/runs", `{"script":"job.py","metadata":{"team":"data"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	info := decode[engine.RunInfo](t, resp)

	if info.ID == "" || !model.ValidID(info.ID) {
		t.Errorf("id = %q, want a ULID", info.ID)
	}
	if info.State != engine.StateFinished || info.Executor != "subprocess" {
		t.Errorf("info = %+v", info)
	}
	if info.Result == nil || info.Result.Status != model.StatusSuccess || info.Result.Stdout != "hello" {
		t.Fatalf("result = %+v", info.Result)
	}
	if info.Result.ExitCode == nil || *info.Result.ExitCode != 0 {
		t.Errorf("exit_code = %v, want 0", info.Result.ExitCode)
	}
	if info.Result.Metadata["team"] != "data" {
		t.Errorf("metadata = %v", info.Result.Metadata)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	srv := newTestServerWith(t, &scriptedExecutor{exitCode: 3})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/runs", `{"script":"job.py"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	info := decode[engine.RunInfo](t, resp)
	if info.Result == nil || info.Result.Status != model.StatusFailed || *info.Result.ExitCode != 3 {
		t.Errorf("result = %+v", info.Result)
	}
}

func TestRunExecutorError(t *testing.T) {
	srv := newTestServerWith(t, &scriptedExecutor{err: errors.New("worker exploded")})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/runs", `{"script":"job.py"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	info := decode[engine.RunInfo](t, resp)
	if info.State != engine.StateFailed || info.ErrorKind != model.KindUnexpected {
		t.Errorf("info = %+v", info)
	}
	if !strings.Contains(info.Error, "worker exploded") {
		t.Errorf("error = %q", info.Error)
	}
}

func TestRunBadRequests(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", "{not json", http.StatusBadRequest},
		{"missing script", `{"executor":"subprocess"}`, http.StatusBadRequest},
		{"negative timeout", `{"script":"a.py","timeout_s":-1}`, http.StatusBadRequest},
		{"input without destination", `{"script":"a.py","inputs":[{"source":"x"}]}`, http.StatusBadRequest},
		{"unknown executor", `{"script":"a.py","executor":"docker"}`, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/v1/runs", tt.body)
			body := decode[errorResponse](t, resp)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (%+v)", resp.StatusCode, tt.want, body)
			}
			if body.Error == "" {
				t.Error("missing error message")
			}
		})
	}
}

func TestRunBusyThenCancel(t *testing.T) {
	srv := newTestServerWith(t, &scriptedExecutor{delay: time.Minute})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/runs/async", `{"script":"slow.py"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("async status = %d, want 202", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "/v1/runs/") {
		t.Errorf("Location = %q", loc)
	}
	first := decode[engine.RunInfo](t, resp)

	busy := postJSON(t, ts.URL+"/v1/runs", `{"script":"other.py"}`)
	if busy.StatusCode != http.StatusConflict {
		t.Errorf("second run status = %d, want 409", busy.StatusCode)
	}
	busy.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/runs/"+first.ID, nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusAccepted {
		t.Errorf("cancel status = %d, want 202", del.StatusCode)
	}

	info := waitFinished(t, srv, first.ID)
	if info.Result == nil || info.Result.Status != model.StatusCancelled || info.Result.ExitCode != nil {
		t.Errorf("cancelled run = %+v", info)
	}
}

func TestAsyncRunAndGet(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	info := decode[engine.RunInfo](t, postJSON(t, ts.URL+"/v1/runs/async", `{"script":"job.py"}`))
	waitFinished(t, srv, info.ID)

	resp, err := http.Get(ts.URL + "/v1/runs/" + info.ID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decode[engine.RunInfo](t, resp)
	if got.ID != info.ID || got.State != engine.StateFinished || got.FinishedAt == nil {
		t.Errorf("run = %+v", got)
	}
}

func TestGetRunNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/nonexistent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/runs/nonexistent", nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusNotFound {
		t.Errorf("cancel status = %d, want 404", del.StatusCode)
	}
}

func TestListRunsPagination(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var ids []string
	for range 3 {
		info := decode[engine.RunInfo](t, postJSON(t, ts.URL+"/v1/runs", `{"script":"job.py"}`))
		ids = append(ids, info.ID)
	}

	resp, err := http.Get(ts.URL + "/v1/runs?limit=2&offset=1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	list := decode[listRunsResponse](t, resp)
	if list.Total != 3 || list.Limit != 2 || list.Offset != 1 {
		t.Errorf("page = total %d limit %d offset %d", list.Total, list.Limit, list.Offset)
	}
	if len(list.Runs) != 2 || list.Runs[0].ID != ids[1] || list.Runs[1].ID != ids[0] {
		t.Errorf("runs = %+v", list.Runs)
	}

	resp, err = http.Get(ts.URL + "/v1/runs?limit=500")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if list := decode[listRunsResponse](t, resp); list.Limit != defaultListLimit {
		t.Errorf("limit = %d, want default %d", list.Limit, defaultListLimit)
	}
}

func TestRunRequestDefaults(t *testing.T) {
	var req runRequest
	body := `{"script":"a.py","timeout_s":1.5,
		"inputs":[{"source":"s","destination":"d"},{"source":"s2","destination":"d2","required":false}],
		"outputs":[{"source":"o","destination":"x"},{"source":"o2","destination":"x2","required":true}]}`
	if err := json.NewDecoder(bytes.NewBufferString(body)).Decode(&req); err != nil {
		t.Fatal(err)
	}

	got := req.toEngine("inprocess")
	if got.Executor != "inprocess" {
		t.Errorf("executor = %q, want default", got.Executor)
	}
	if got.Config.Timeout != 1500*time.Millisecond {
		t.Errorf("timeout = %v, want 1.5s", got.Config.Timeout)
	}
	if !got.Config.Inputs[0].Required || got.Config.Inputs[1].Required {
		t.Errorf("inputs = %+v", got.Config.Inputs)
	}
	if got.Config.Outputs[0].Required || !got.Config.Outputs[1].Required {
		t.Errorf("outputs = %+v", got.Config.Outputs)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{engine.ErrBusy, http.StatusConflict},
		{model.NewError(model.KindInvalidScript, "", nil), http.StatusBadRequest},
		{model.NewError(model.KindExecutorNotFound, "", nil), http.StatusUnprocessableEntity},
		{model.NewError(model.KindStagingFailed, "", nil), http.StatusUnprocessableEntity},
		{model.NewError(model.KindUploadFailed, "", nil), http.StatusBadGateway},
		{model.NewError(model.KindExecutionFailed, "", nil), http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
