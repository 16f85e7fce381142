package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ctrlport/config"
	"ctrlport/controller"
	ncerr "ctrlport/internal/errors"
)

// maxBody caps request bodies decoded by the handlers.
const maxBody = 1 << 20

// ── request and response bodies ──────────────────────────────────────

type HealthResponse struct {
	Status         string `json:"status"`
	Target         string `json:"target"`
	SupportsSocket bool   `json:"supports_socket"`
	Shells         int    `json:"shells"`
}

type CommandRequest struct {
	Command   string `json:"command"`
	Socket    bool   `json:"socket"`
	TimeoutMS int    `json:"timeout_ms"`
}

type CommandResponse struct {
	PipeOutput   string `json:"pipe_output"`
	SocketOutput string `json:"socket_output"`
	ExitCode     *int   `json:"exit_code,omitempty"`
	TimedOut     bool   `json:"timed_out,omitempty"`
}

type SocketRequest struct {
	Address string `json:"address"`
}

type SocketResponse struct {
	Port int `json:"port"`
}

type ShellRequest struct {
	Command string `json:"command"`
}

type ShellResponse struct {
	ID string `json:"id"`
}

type WriteRequest struct {
	Data string `json:"data"`
}

type WriteResponse struct {
	Written int `json:"written"`
}

type ReadResponse struct {
	Output string `json:"output"`
	Exited bool   `json:"exited"`
}

// ── status ───────────────────────────────────────────────────────────

func (r *Router) health(*http.Request, map[string]string) (any, error) {
	r.mu.Lock()
	n := len(r.shells)
	r.mu.Unlock()

	return HealthResponse{
		Status:         "ok",
		Target:         r.ctrl.Name(),
		SupportsSocket: r.ctrl.SupportsSocket(),
		Shells:         n,
	}, nil
}

func (r *Router) metricsSnapshot(*http.Request, map[string]string) (any, error) {
	return r.metrics.Snapshot(), nil
}

// ── commands ─────────────────────────────────────────────────────────

func (r *Router) command(req *http.Request, _ map[string]string) (any, error) {
	var body CommandRequest
	if err := decode(req, &body); err != nil {
		return nil, err
	}
	if body.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	inv := &controller.Invocation{
		Command:          body.Command,
		DeliverViaSocket: body.Socket,
		Timeout:          time.Duration(body.TimeoutMS) * time.Millisecond,
	}
	err := r.ctrl.Execute(req.Context(), inv)

	resp := CommandResponse{PipeOutput: inv.PipeOutput, SocketOutput: inv.SocketOutput}
	var ce *ncerr.CommandError
	if errors.As(err, &ce) && ce.ExitCode >= 0 {
		code := ce.ExitCode
		resp.ExitCode = &code
	} else if err == nil {
		code := 0
		resp.ExitCode = &code
	}
	resp.TimedOut = ncerr.IsTimeout(err)
	return resp, err
}

// ── control socket ───────────────────────────────────────────────────

func (r *Router) createSocket(req *http.Request, _ map[string]string) (any, error) {
	var body SocketRequest
	if err := decodeOptional(req, &body); err != nil {
		return nil, err
	}
	addr := body.Address
	if addr == "" {
		addr = r.socketAddress
	}

	port, err := r.ctrl.CreateSocket(addr)
	if err != nil {
		return nil, err
	}
	r.logger.Verbose("control socket bound on port %d", port)
	return SocketResponse{Port: port}, nil
}

func (r *Router) closeSocket(*http.Request, map[string]string) (any, error) {
	r.ctrl.CloseSocket()
	return nil, nil
}

// ── interactive shells ───────────────────────────────────────────────

func (r *Router) openShell(req *http.Request, _ map[string]string) (any, error) {
	var body ShellRequest
	if err := decode(req, &body); err != nil {
		return nil, err
	}
	if body.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	sess, err := r.ctrl.OpenSession(req.Context(), body.Command)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()

	r.mu.Lock()
	r.shells[id] = sess
	r.mu.Unlock()

	r.logger.Verbose("shell %s opened: %s", id, body.Command)
	return ShellResponse{ID: id}, nil
}

func (r *Router) listShells(*http.Request, map[string]string) (any, error) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.shells))
	for id := range r.shells {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids, nil
}

func (r *Router) writeShell(req *http.Request, vars map[string]string) (any, error) {
	sess, err := r.shell(vars["id"])
	if err != nil {
		return nil, err
	}
	var body WriteRequest
	if err := decode(req, &body); err != nil {
		return nil, err
	}
	if err := sess.Write([]byte(body.Data)); err != nil {
		return nil, err
	}
	return WriteResponse{Written: len(body.Data)}, nil
}

// readShell returns the output the shell produced.  Query parameters:
// timeout in milliseconds, and until, a delimiter to wait for.
func (r *Router) readShell(req *http.Request, vars map[string]string) (any, error) {
	sess, err := r.shell(vars["id"])
	if err != nil {
		return nil, err
	}

	timeout := config.DefaultReadTimeout
	q := req.URL.Query()
	if v := q.Get("timeout"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("invalid timeout %q", v)
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	var out []byte
	if until := q.Get("until"); until != "" {
		out, err = sess.ReadUntil([]byte(until), timeout)
	} else {
		out = sess.Read(timeout)
	}

	resp := ReadResponse{Output: string(out), Exited: exited(sess)}
	return resp, err
}

func (r *Router) closeShell(_ *http.Request, vars map[string]string) (any, error) {
	id := vars["id"]
	r.mu.Lock()
	sess, ok := r.shells[id]
	delete(r.shells, id)
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no shell %q", id)
	}
	if err := sess.Close(); err != nil {
		return nil, err
	}
	r.logger.Verbose("shell %s closed", id)
	return nil, nil
}

func (r *Router) shell(id string) (controller.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.shells[id]
	if !ok {
		return nil, fmt.Errorf("no shell %q", id)
	}
	return sess, nil
}

func exited(sess controller.Session) bool {
	select {
	case <-sess.Done():
		return true
	default:
		return false
	}
}

// ── body decoding ────────────────────────────────────────────────────

func decode(req *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(req.Body, maxBody)).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is required")
		}
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

// decodeOptional is decode for bodies that may be left out.
func decodeOptional(req *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(req.Body, maxBody)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}
