package comfyd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"pkt.systems/pslog"
)

// notifyTimeout bounds one progress push. A stalled push channel must not
// hold up the engine event loop.
const notifyTimeout = 5 * time.Second

// sseSession is one push-channel client. Between Register and Bind the
// transport and session are nil; the side channel answers an unbound handle
// the same way it answers an unknown id.
type sseSession struct {
	id        string
	createdAt time.Time
	transport *mcpsdk.SSEServerTransport
	session   *mcpsdk.ServerSession
	done      chan struct{}
}

// Done is closed once the session has been torn down and removed.
func (s *sseSession) Done() <-chan struct{} { return s.done }

// sessionRegistry correlates side-channel posts and progress pushes with
// their push channel. Record fields are guarded by mu. Teardown runs exactly
// once per session no matter which trigger fires first: the Wait watcher, the
// push handler returning, or the registry draining on shutdown.
type sessionRegistry struct {
	logger  pslog.Logger
	metrics *gatewayMetrics

	mu        sync.Mutex
	closed    bool
	sessions  map[string]*sseSession
	bySession map[string]string
}

func newSessionRegistry(logger pslog.Logger, metrics *gatewayMetrics) *sessionRegistry {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &sessionRegistry{
		logger:    logger,
		metrics:   metrics,
		sessions:  make(map[string]*sseSession),
		bySession: make(map[string]string),
	}
}

// Register allocates a session id ahead of the push transport. The SSE
// endpoint URL embeds the id, so the id must exist before the transport that
// will serve it does.
func (r *sessionRegistry) Register(ctx context.Context) (*sseSession, error) {
	sess := &sseSession{
		id:        uuid.NewString(),
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("session registry draining")
	}
	r.sessions[sess.id] = sess
	r.mu.Unlock()
	r.metrics.recordSessionOpened(ctx)
	r.logger.Debug("mcp.session.registered", "session_id", sess.id)
	return sess, nil
}

// Bind attaches the connected transport and push session to the handle and
// arms teardown: a watcher goroutine blocks on the session's Wait and
// unregisters the id when the session ends.
func (r *sessionRegistry) Bind(sess *sseSession, transport *mcpsdk.SSEServerTransport, session *mcpsdk.ServerSession) {
	key := sessionKey(session)
	r.mu.Lock()
	sess.transport = transport
	sess.session = session
	r.bySession[key] = sess.id
	r.mu.Unlock()
	go r.watch(sess.id, session)
	r.logger.Info("mcp.session.open", "session_id", sess.id)
}

// Lookup resolves a side-channel session id to its bound transport. Absence
// is a client addressing problem, never an internal fault.
func (r *sessionRegistry) Lookup(id string) (*mcpsdk.SSEServerTransport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok || sess.transport == nil {
		return nil, false
	}
	return sess.transport, true
}

// Notify relays one progress notification to the push channel behind key.
// The lookup happens per emission: a session that vanished mid-job drops the
// notification silently, it never aborts the job. The push is detached from
// the tool call context so an advisory cancellation does not mute progress.
func (r *sessionRegistry) Notify(ctx context.Context, key string, params *mcpsdk.ProgressNotificationParams) bool {
	r.mu.Lock()
	var target *mcpsdk.ServerSession
	if id, ok := r.bySession[key]; ok {
		if sess, ok := r.sessions[id]; ok {
			target = sess.session
		}
	}
	r.mu.Unlock()
	if target == nil {
		return false
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := target.NotifyProgress(nctx, params); err != nil {
		r.logger.Debug("mcp.progress.dropped", "session_key", key, "error", err)
		return false
	}
	return true
}

// Unregister removes the session and releases its handle. Idempotent: only
// the first caller tears down.
func (r *sessionRegistry) Unregister(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		if sess.session != nil {
			delete(r.bySession, sessionKey(sess.session))
		}
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	close(sess.done)
	if sess.session != nil {
		_ = sess.session.Close()
	}
	r.metrics.recordSessionClosed(context.Background())
	return true
}

// Close drains the registry: every live session is closed so parked push
// handlers unwind during shutdown. New registrations are refused afterwards.
func (r *sessionRegistry) Close() {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		if r.Unregister(id) {
			r.logger.Info("mcp.session.drained", "session_id", id)
		}
	}
}

// Len reports the number of registered sessions, bound or not.
func (r *sessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *sessionRegistry) watch(id string, session *mcpsdk.ServerSession) {
	_ = session.Wait()
	if r.Unregister(id) {
		r.logger.Info("mcp.session.closed", "session_id", id)
	}
}

// sessionKey derives a stable correlation key for a push session. SSE
// sessions may carry an empty protocol id; the pointer fallback stays stable
// for the session's lifetime.
func sessionKey(session *mcpsdk.ServerSession) string {
	if session == nil {
		return ""
	}
	if id := strings.TrimSpace(session.ID()); id != "" {
		return id
	}
	return fmt.Sprintf("session-%p", session)
}
