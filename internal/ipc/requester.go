package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var ErrTimeout = errors.New("ipc request timed out")

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultPollInterval   = 500 * time.Millisecond
)

// Requester is the sandbox side of the request/response pair.
type Requester struct {
	dir      string
	timeout  time.Duration
	interval time.Duration
	newID    func() string
}

// NewRequester works inside one IPC namespace directory.
func NewRequester(dir string, timeout time.Duration) *Requester {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Requester{
		dir:      dir,
		timeout:  timeout,
		interval: DefaultPollInterval,
		newID: func() string {
			return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), shortRandom())
		},
	}
}

// SetPollInterval changes how often the response file is checked.
func (r *Requester) SetPollInterval(d time.Duration) {
	if d > 0 {
		r.interval = d
	}
}

// Do writes req and waits for its response. A response with ok=false is
// returned as an error carrying the host's message.
func (r *Requester) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	if strings.TrimSpace(req.RequestID) == "" {
		req.RequestID = r.newID()
	}
	if req.Timestamp == "" {
		req.Timestamp = Timestamp(time.Now())
	}
	if _, err := WriteEnvelope(filepath.Join(r.dir, DirRequests), req); err != nil {
		return nil, err
	}
	return r.await(ctx, req.RequestID)
}

// Command writes a task command and waits for the host's acknowledgement.
func (r *Requester) Command(ctx context.Context, cmd TaskCommand) (TaskAck, error) {
	if strings.TrimSpace(cmd.RequestID) == "" {
		cmd.RequestID = r.newID()
	}
	if cmd.Timestamp == "" {
		cmd.Timestamp = Timestamp(time.Now())
	}
	if _, err := WriteEnvelope(filepath.Join(r.dir, DirTasks), cmd); err != nil {
		return TaskAck{}, err
	}
	data, err := r.await(ctx, cmd.RequestID)
	if err != nil {
		return TaskAck{}, err
	}
	var ack TaskAck
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ack); err != nil {
			return TaskAck{}, fmt.Errorf("decode task ack: %w", err)
		}
	}
	return ack, nil
}

func (r *Requester) await(ctx context.Context, requestID string) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	path := filepath.Join(r.dir, DirResponses, requestID+".json")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		resp, ok := readResponse(path)
		if ok {
			if !resp.OK {
				msg := resp.Error
				if msg == "" {
					msg = "request failed"
				}
				return nil, errors.New(msg)
			}
			return resp.Data, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// readResponse consumes the response file once it parses.
func readResponse(path string) (Response, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Response{}, false
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, false
	}
	_ = os.Remove(path)
	return resp, true
}
