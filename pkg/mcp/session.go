package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrServerDead reports that the server's process or connection is gone.
// Callers drop the server so the next call can relaunch it.
var ErrServerDead = errors.New("tool server is dead")

const scannerBufferSize = 1024 * 1024

// session runs the line-delimited JSON-RPC protocol over a pair of pipes.
// One write at a time; responses are matched to callers by request id.
type session struct {
	stdin   io.Writer
	writeMu sync.Mutex

	pending   map[int64]chan *Response
	pendingMu sync.Mutex
	nextID    atomic.Int64

	alive    atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func newSession(stdin io.Writer, stdout, stderr io.Reader, logger *slog.Logger) *session {
	s := &session{
		stdin:    stdin,
		pending:  make(map[int64]chan *Response),
		stopChan: make(chan struct{}),
		logger:   logger,
	}
	s.alive.Store(true)

	s.wg.Add(1)
	go s.readLoop(stdout)

	if stderr != nil {
		s.wg.Add(1)
		go s.drainStderr(stderr)
	}

	return s
}

func (s *session) isAlive() bool {
	return s.alive.Load()
}

// call sends one request and waits for its response.
func (s *session) call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if !s.isAlive() {
		return nil, ErrServerDead
	}

	id := s.nextID.Add(1)
	req := Request{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := make(chan *Response, 1)
	s.pendingMu.Lock()
	s.pending[id] = respChan
	s.pendingMu.Unlock()

	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	if err := s.writeLine(req); err != nil {
		s.markDead()
		return nil, fmt.Errorf("%w: %v", ErrServerDead, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respChan:
		if !ok || resp == nil {
			return nil, ErrServerDead
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("server error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("call %s timed out after %v", method, timeout)
	case <-s.stopChan:
		return nil, ErrServerDead
	}
}

// notify sends a notification; no response is expected.
func (s *session) notify(method string, params interface{}) error {
	if !s.isAlive() {
		return ErrServerDead
	}

	notif := Notification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}

	if err := s.writeLine(notif); err != nil {
		s.markDead()
		return fmt.Errorf("%w: %v", ErrServerDead, err)
	}
	return nil
}

func (s *session) writeLine(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.stdin.Write(append(data, '\n'))
	return err
}

func (s *session) close() {
	s.markDead()
	s.wg.Wait()
}

// markDead fails every waiting caller and stops the loops.
func (s *session) markDead() {
	s.stopOnce.Do(func() {
		s.alive.Store(false)
		close(s.stopChan)

		s.pendingMu.Lock()
		for id, ch := range s.pending {
			close(ch)
			delete(s.pending, id)
		}
		s.pendingMu.Unlock()
	})
}

func (s *session) readLoop(stdout io.Reader) {
	defer s.wg.Done()
	defer s.markDead()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, scannerBufferSize), scannerBufferSize)

	for scanner.Scan() {
		select {
		case <-s.stopChan:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.processLine(line)
	}

	if err := scanner.Err(); err != nil {
		s.logger.Debug("Server stdout closed", "error", err)
	}
}

func (s *session) processLine(line []byte) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		s.logger.Debug("Skipping non-JSON server output", "line", truncateLine(line))
		return
	}

	if resp.ID == nil {
		// Server-initiated notification; nothing in our protocol consumes
		// them, but they are normal traffic.
		s.logger.Debug("Ignoring server notification")
		return
	}

	s.pendingMu.Lock()
	if ch, ok := s.pending[*resp.ID]; ok {
		select {
		case ch <- &resp:
		default:
		}
		delete(s.pending, *resp.ID)
	} else {
		s.logger.Debug("Response for unknown request id", "id", *resp.ID)
	}
	s.pendingMu.Unlock()
}

// drainStderr keeps the child's stderr pipe from filling and surfaces its
// output in the operational log.
func (s *session) drainStderr(stderr io.Reader) {
	defer s.wg.Done()

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, scannerBufferSize), scannerBufferSize)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			s.logger.Debug("Server stderr", "message", line)
		}
	}
}

func truncateLine(line []byte) string {
	const max = 200
	if len(line) <= max {
		return string(line)
	}
	return string(line[:max]) + "..."
}
