//go:build !windows

package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ctrlport/controller"
	"ctrlport/internal/metrics"
	"ctrlport/server"
	"ctrlport/util"
)

type result struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

func newTestRouter(t *testing.T, cfg *controller.LocalConfig) (*Router, *metrics.Collector) {
	t.Helper()
	m := metrics.New()
	logger := util.NewLogger(0)
	ctrl := controller.NewLocal(cfg, logger, m)
	r := NewRouter(ctrl, "127.0.0.1", logger, m)
	t.Cleanup(func() {
		r.Close()
		ctrl.Close()
	})
	return r, m
}

// call dispatches one request and decodes the envelope; data, when
// non-nil, receives the payload.
func call(t *testing.T, r *Router, method, target, body string, data any) result {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)

	var res result
	raw := r.HandleRoute(req)
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		t.Fatalf("%s %s: bad envelope %q: %v", method, target, raw, err)
	}
	if data != nil && len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, data); err != nil {
			t.Fatalf("%s %s: bad data %s: %v", method, target, res.Data, err)
		}
	}
	return res
}

func TestRouter_Health(t *testing.T) {
	r, _ := newTestRouter(t, &controller.LocalConfig{})

	var h HealthResponse
	res := call(t, r, "GET", "/health", "", &h)
	if !res.OK {
		t.Fatalf("health failed: %s", res.Error)
	}
	if h.Status != "ok" || h.Target != "local" || !h.SupportsSocket {
		t.Errorf("health = %+v", h)
	}
}

func TestRouter_Unmatched(t *testing.T) {
	r, _ := newTestRouter(t, &controller.LocalConfig{})

	tests := []struct {
		method, path, wantErr string
	}{
		{"GET", "/nowhere", "no route for GET /nowhere"},
		{"PUT", "/command", "method PUT not allowed for /command"},
		{"GET", "/socket", "method GET not allowed for /socket"},
	}
	for _, tt := range tests {
		res := call(t, r, tt.method, tt.path, "", nil)
		if res.OK || res.Error != tt.wantErr {
			t.Errorf("%s %s = %+v, want error %q", tt.method, tt.path, res, tt.wantErr)
		}
	}
}

func TestRouter_Command(t *testing.T) {
	r, m := newTestRouter(t, &controller.LocalConfig{})

	var out CommandResponse
	res := call(t, r, "POST", "/command", `{"command":"echo hi"}`, &out)
	if !res.OK {
		t.Fatalf("command failed: %s", res.Error)
	}
	if out.PipeOutput != "hi\n" || out.SocketOutput != "" {
		t.Errorf("outputs = %+v", out)
	}
	if out.ExitCode == nil || *out.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", out.ExitCode)
	}

	var snap metrics.Snapshot
	call(t, r, "GET", "/metrics", "", &snap)
	if snap.CommandsRun != 1 || m.CommandsRun() != 1 {
		t.Errorf("commands_run = %d", snap.CommandsRun)
	}
}

func TestRouter_CommandFailures(t *testing.T) {
	r, _ := newTestRouter(t, &controller.LocalConfig{DisableSocket: true})

	tests := []struct {
		name     string
		body     string
		wantErr  string
		wantCode int // -1: no exit code expected
		timedOut bool
	}{
		{"exit status", `{"command":"echo x; exit 2"}`, "exit status 2", 2, false},
		{"timeout", `{"command":"sleep 5","timeout_ms":100}`, "timed out", -1, true},
		{"socket unsupported", `{"command":"true","socket":true}`, "not supported", -1, false},
		{"missing command", `{}`, "command is required", -1, false},
		{"missing body", ``, "request body is required", -1, false},
		{"bad json", `{"command":`, "decoding request body", -1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out CommandResponse
			res := call(t, r, "POST", "/command", tt.body, &out)
			if res.OK {
				t.Fatal("expected failure")
			}
			if !strings.Contains(res.Error, tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", res.Error, tt.wantErr)
			}
			if tt.wantCode >= 0 && (out.ExitCode == nil || *out.ExitCode != tt.wantCode) {
				t.Errorf("exit code = %v, want %d", out.ExitCode, tt.wantCode)
			}
			if out.TimedOut != tt.timedOut {
				t.Errorf("timed_out = %v, want %v", out.TimedOut, tt.timedOut)
			}
		})
	}
}

func TestRouter_Socket(t *testing.T) {
	r, _ := newTestRouter(t, &controller.LocalConfig{})

	var sock SocketResponse
	res := call(t, r, "POST", "/socket", "", &sock)
	if !res.OK || sock.Port <= 0 {
		t.Fatalf("POST /socket = %+v, port %d", res, sock.Port)
	}

	// A second bind replaces the first.
	var again SocketResponse
	if res := call(t, r, "POST", "/socket", `{"address":"127.0.0.1"}`, &again); !res.OK || again.Port <= 0 {
		t.Fatalf("rebind = %+v", res)
	}
	if conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", again.Port), time.Second); err != nil {
		t.Errorf("new binding not reachable: %v", err)
	} else {
		conn.Close()
	}

	if res := call(t, r, "DELETE", "/socket", "", nil); !res.OK {
		t.Fatalf("DELETE /socket: %s", res.Error)
	}
	res = call(t, r, "POST", "/command", `{"command":"true","socket":true}`, nil)
	if res.OK || !strings.Contains(res.Error, "no control socket") {
		t.Errorf("socket command after close = %+v", res)
	}
}

func TestRouter_SocketUnsupported(t *testing.T) {
	r, _ := newTestRouter(t, &controller.LocalConfig{DisableSocket: true})

	res := call(t, r, "POST", "/socket", `{"address":"127.0.0.1"}`, nil)
	if res.OK || !strings.Contains(res.Error, "not supported") {
		t.Errorf("POST /socket = %+v", res)
	}
}

func TestRouter_Shells(t *testing.T) {
	r, m := newTestRouter(t, &controller.LocalConfig{})

	var sh ShellResponse
	if res := call(t, r, "POST", "/shells", `{"command":"cat"}`, &sh); !res.OK || sh.ID == "" {
		t.Fatalf("open shell = %+v", res)
	}
	base := "/shells/" + sh.ID

	var ids []string
	call(t, r, "GET", "/shells", "", &ids)
	if len(ids) != 1 || ids[0] != sh.ID {
		t.Errorf("shells = %v", ids)
	}

	var w WriteResponse
	if res := call(t, r, "POST", base+"/write", `{"data":"hello\n"}`, &w); !res.OK || w.Written != 6 {
		t.Fatalf("write = %+v, %+v", res, w)
	}

	var rd ReadResponse
	res := call(t, r, "GET", base+"/read?timeout=2000&until=%0A", "", &rd)
	if !res.OK || rd.Output != "hello\n" || rd.Exited {
		t.Fatalf("read = %+v, %+v", res, rd)
	}

	// Nothing pending: an idle read comes back empty.
	res = call(t, r, "GET", base+"/read?timeout=50", "", &rd)
	if !res.OK || rd.Output != "" {
		t.Errorf("idle read = %+v, %+v", res, rd)
	}

	res = call(t, r, "GET", base+"/read?timeout=50&until=never", "", &rd)
	if res.OK || !strings.Contains(res.Error, "timed out") {
		t.Errorf("read until timeout = %+v", res)
	}

	if res := call(t, r, "GET", base+"/read?timeout=abc", "", nil); res.OK {
		t.Error("bad timeout accepted")
	}

	if res := call(t, r, "DELETE", base, "", nil); !res.OK {
		t.Fatalf("close shell: %s", res.Error)
	}
	if res := call(t, r, "DELETE", base, "", nil); res.OK {
		t.Error("closing twice should fail")
	}
	if res := call(t, r, "POST", base+"/write", `{"data":"x"}`, nil); res.OK {
		t.Error("write to closed shell should fail")
	}
	if m.Snapshot().SessionsOpened != 1 {
		t.Errorf("sessions opened = %d", m.Snapshot().SessionsOpened)
	}
}

func TestRouter_ShellExited(t *testing.T) {
	r, _ := newTestRouter(t, &controller.LocalConfig{})

	var sh ShellResponse
	call(t, r, "POST", "/shells", `{"command":"echo done"}`, &sh)

	var rd ReadResponse
	deadline := time.Now().Add(3 * time.Second)
	var out string
	for time.Now().Before(deadline) {
		call(t, r, "GET", "/shells/"+sh.ID+"/read?timeout=200", "", &rd)
		out += rd.Output
		if rd.Exited {
			break
		}
	}
	if !rd.Exited || out != "done\n" {
		t.Errorf("output %q exited %v", out, rd.Exited)
	}
}

func TestRouter_ServeHTTP(t *testing.T) {
	r, _ := newTestRouter(t, &controller.LocalConfig{})

	for _, target := range []string{"/health", "/missing"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
		if rec.Header().Get("Content-Type") != "application/json" {
			t.Errorf("%s: content type %q", target, rec.Header().Get("Content-Type"))
		}
		var res result
		if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
			t.Fatalf("%s: %v", target, err)
		}
		if res.OK != (target == "/health") {
			t.Errorf("%s: ok = %v", target, res.OK)
		}
	}
}

// The router behind a real listener, over keep-alive HTTP.
func TestRouter_OverListener(t *testing.T) {
	r, m := newTestRouter(t, &controller.LocalConfig{})
	l := server.New(r, server.Options{Metrics: m})
	if err := l.Start("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(conn)

	send := func(method, path, body string) result {
		t.Helper()
		fmt.Fprintf(conn, "%s %s HTTP/1.1\r\nHost: x\r\nContent-Length: %d\r\n\r\n%s", method, path, len(body), body)
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d", resp.StatusCode)
		}
		var res result
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			t.Fatal(err)
		}
		return res
	}

	if res := send("POST", "/command", `{"command":"echo over the wire"}`); !res.OK {
		t.Fatalf("command: %s", res.Error)
	} else if !strings.Contains(string(res.Data), `over the wire\n`) {
		t.Errorf("data = %s", res.Data)
	}
	// Errors travel in the envelope; the status stays 200.
	if res := send("GET", "/nope", ""); res.OK {
		t.Error("unknown route reported ok")
	}
	if res := send("GET", "/health", ""); !res.OK {
		t.Errorf("health: %s", res.Error)
	}
}
