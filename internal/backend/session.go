package backend

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ashenBlade/postgres-dev-helper-sub001/internal/dap"
)

// Session ties a DAP client to a Backend and tracks suspension state. It
// caches the resolved thread id and top frame id between requests; the cache
// has a single writer (the event handlers) and is invalidated before the
// debuggee can produce stale reads, so no lock ordering beyond the mutex is
// needed.
type Session struct {
	client *dap.Client
	be     Backend
	log    *zap.Logger

	mu         sync.RWMutex
	stopped    bool
	terminated bool
	threadID   int
	topFrameID int
	hasFrame   bool
}

// NewSession creates a session over an attached DAP client.
func NewSession(client *dap.Client, be Backend, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		client: client,
		be:     be,
		log:    log,
	}

	client.OnStopped(s.onStopped)
	client.OnContinued(s.onContinued)
	client.OnTerminated(s.onTerminated)
	client.OnExited(s.onExited)

	return s
}

// Backend returns the adapter-family backend selected for this session.
func (s *Session) Backend() Backend {
	return s.be
}

// Stopped reports whether the debuggee is currently suspended.
func (s *Session) Stopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped && !s.terminated
}

// Invalidate discards the cached thread and frame identity. Called from the
// protocol event handlers and available to external refresh triggers.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.hasFrame = false
	s.topFrameID = 0
	s.mu.Unlock()
}

func (s *Session) onStopped(body dap.StoppedEventBody) {
	s.mu.Lock()
	s.stopped = true
	s.threadID = body.ThreadID
	s.hasFrame = false
	s.mu.Unlock()

	s.log.Debug("debuggee stopped",
		zap.String("reason", body.Reason),
		zap.Int("thread", body.ThreadID))
}

func (s *Session) onContinued(dap.ContinuedEventBody) {
	// Invalidate before anything can read the now-stale handles.
	s.mu.Lock()
	s.stopped = false
	s.hasFrame = false
	s.mu.Unlock()

	s.log.Debug("debuggee continued")
}

func (s *Session) onTerminated(dap.TerminatedEventBody) {
	s.mu.Lock()
	s.stopped = false
	s.terminated = true
	s.hasFrame = false
	s.mu.Unlock()

	s.log.Debug("debug session terminated")
}

func (s *Session) onExited(dap.ExitedEventBody) {
	s.mu.Lock()
	s.stopped = false
	s.terminated = true
	s.mu.Unlock()
}

// TopFrame resolves and caches the id of the stopped thread's top stack
// frame. Fails with ErrNoActiveSession when the debuggee is running.
func (s *Session) TopFrame(ctx context.Context) (int, error) {
	s.mu.RLock()
	if !s.stopped || s.terminated {
		s.mu.RUnlock()
		return 0, ErrNoActiveSession
	}
	if s.hasFrame {
		id := s.topFrameID
		s.mu.RUnlock()
		return id, nil
	}
	threadID := s.threadID
	s.mu.RUnlock()

	if threadID == 0 {
		threads, err := s.client.Threads(ctx)
		if err != nil {
			return 0, mapRequestError(err)
		}
		if len(threads) == 0 {
			return 0, ErrNoActiveSession
		}
		threadID = threads[0].ID
	}

	trace, err := s.client.StackTrace(ctx, dap.StackTraceArguments{
		ThreadID: threadID,
		Levels:   1,
	})
	if err != nil {
		return 0, mapRequestError(err)
	}
	if len(trace.StackFrames) == 0 {
		return 0, ErrNoActiveSession
	}

	frameID := trace.StackFrames[0].ID

	s.mu.Lock()
	// A continued event may have raced the stack trace; only cache while
	// still stopped.
	if s.stopped && !s.terminated {
		s.threadID = threadID
		s.topFrameID = frameID
		s.hasFrame = true
	}
	s.mu.Unlock()

	return frameID, nil
}

// Frames returns up to levels stack frames of the stopped thread. Zero
// levels means all frames the adapter reports.
func (s *Session) Frames(ctx context.Context, levels int) ([]dap.StackFrame, error) {
	s.mu.RLock()
	if !s.stopped || s.terminated {
		s.mu.RUnlock()
		return nil, ErrNoActiveSession
	}
	threadID := s.threadID
	s.mu.RUnlock()

	if threadID == 0 {
		threads, err := s.client.Threads(ctx)
		if err != nil {
			return nil, mapRequestError(err)
		}
		if len(threads) == 0 {
			return nil, ErrNoActiveSession
		}
		threadID = threads[0].ID
	}

	trace, err := s.client.StackTrace(ctx, dap.StackTraceArguments{
		ThreadID: threadID,
		Levels:   levels,
	})
	if err != nil {
		return nil, mapRequestError(err)
	}
	return trace.StackFrames, nil
}

// Scopes returns the scopes of a frame.
func (s *Session) Scopes(ctx context.Context, frameID int) ([]dap.Scope, error) {
	if !s.Stopped() {
		return nil, ErrNoActiveSession
	}
	scopes, err := s.client.Scopes(ctx, dap.ScopesArguments{FrameID: frameID})
	if err != nil {
		return nil, mapRequestError(err)
	}
	return scopes, nil
}

// LocalsReference resolves the variables reference of the locals scope for a
// frame.
func (s *Session) LocalsReference(ctx context.Context, frameID int) (int, error) {
	if !s.Stopped() {
		return 0, ErrNoActiveSession
	}

	scopes, err := s.client.Scopes(ctx, dap.ScopesArguments{FrameID: frameID})
	if err != nil {
		return 0, mapRequestError(err)
	}

	for _, scope := range scopes {
		if scope.PresentationHint == "locals" || scope.Name == "Locals" || scope.Name == "Local" {
			return scope.VariablesReference, nil
		}
	}
	if len(scopes) > 0 {
		return scopes[0].VariablesReference, nil
	}
	return 0, fmt.Errorf("%w: no scopes reported for frame %d", ErrEvaluation, frameID)
}
