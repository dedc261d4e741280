package daemon

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// ErrAgentAlreadyRegistered indicates an agent with the same name is already
// connected.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// ErrBadResumeToken indicates a resume token that matches no saved session.
var ErrBadResumeToken = errors.New("unknown resume token")

// resumeState preserves continuity for a disconnected agent so a reconnect
// carrying the resume token keeps its name and sequence counter.
type resumeState struct {
	name string
	seq  uint64
}

// Registry owns the name → Session table. All mutation happens under its
// mutex; nothing else in the daemon holds connection state.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	resumes  map[string]resumeState
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		resumes:  make(map[string]resumeState),
		logger:   logger,
	}
}

// Register adds a session under its agent name.
// Returns ErrAgentAlreadyRegistered if the name is taken by a live session.
func (r *Registry) Register(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sess.Name]; exists {
		return ErrAgentAlreadyRegistered
	}

	r.sessions[sess.Name] = sess
	r.logger.Info("agent connected",
		"agent", sess.Name,
		"session_id", sess.ID,
		"total_agents", len(r.sessions),
	)
	return nil
}

// Resume re-registers an agent from a saved resume token, restoring its
// sequence counter. The session's name is overwritten with the saved name.
func (r *Registry) Resume(token string, sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	saved, ok := r.resumes[token]
	if !ok {
		return ErrBadResumeToken
	}
	if _, exists := r.sessions[saved.name]; exists {
		return ErrAgentAlreadyRegistered
	}

	delete(r.resumes, token)
	sess.Name = saved.name
	sess.restoreSeq(saved.seq)
	r.sessions[sess.Name] = sess
	r.logger.Info("agent resumed",
		"agent", sess.Name,
		"session_id", sess.ID,
		"seq", saved.seq,
	)
	return nil
}

// Unregister removes a session and saves its resume state so the agent can
// reconnect with continuity.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, exists := r.sessions[name]
	if !exists {
		return
	}
	delete(r.sessions, name)
	if sess.Capabilities.Resume && sess.ResumeToken != "" {
		r.resumes[sess.ResumeToken] = resumeState{name: name, seq: sess.snapshotSeq()}
	}
	r.logger.Info("agent disconnected",
		"agent", name,
		"total_agents", len(r.sessions),
	)
}

// Get retrieves a session by agent name.
func (r *Registry) Get(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[name]
	return sess, ok
}

// All returns every live session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// List returns public info for every live session, sorted by name.
func (r *Registry) List() []Info {
	sessions := r.All()
	infos := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
