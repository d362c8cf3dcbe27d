package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"mini-ipc/proxy"
	"mini-ipc/transport"
)

// notFound is sent to clients as a "NotFound" error.
type notFound struct {
	path string
}

func (e *notFound) Error() string     { return "no such file: " + e.path }
func (e *notFound) ErrorName() string { return "NotFound" }

// fileService exposes read-only access to a directory tree.
type fileService struct {
	root string
}

// resolve keeps path inside root.
func (s *fileService) resolve(path string) string {
	return filepath.Join(s.root, filepath.Clean("/"+path))
}

func (s *fileService) ReadFile(ctx context.Context, path string) (string, error) {
	b, err := os.ReadFile(s.resolve(path))
	if errors.Is(err, fs.ErrNotExist) {
		return "", &notFound{path: path}
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *fileService) List(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(s.resolve(dir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &notFound{path: dir}
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// logService broadcasts log lines to every listener of onMessage.
type logService struct {
	OnMessage *proxy.Emitter[string]

	mu    sync.Mutex
	lines int
}

func newLogService() *logService {
	return &logService{OnMessage: &proxy.Emitter[string]{}}
}

// Log publishes line and returns how many lines were published so far.
func (s *logService) Log(ctx context.Context, line string) (int, error) {
	s.mu.Lock()
	s.lines++
	n := s.lines
	s.mu.Unlock()
	s.OnMessage.Fire(line)
	return n, nil
}

func (s *logService) heartbeat(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for n := 1; ; n++ {
		select {
		case t := <-ticker.C:
			if s.OnMessage.Len() > 0 {
				s.Log(ctx, fmt.Sprintf("heartbeat %d at %s", n, t.Format(time.RFC3339)))
			}
		case <-ctx.Done():
			return
		}
	}
}

// watched reports when the peer closes the stream.
type watched struct {
	transport.Transport
	once   sync.Once
	closed chan struct{}
}

func watch(t transport.Transport) *watched {
	return &watched{Transport: t, closed: make(chan struct{})}
}

func (w *watched) Read(ctx context.Context) ([]byte, error) {
	b, err := w.Transport.Read(ctx)
	if err != nil {
		w.once.Do(func() { close(w.closed) })
	}
	return b, err
}
