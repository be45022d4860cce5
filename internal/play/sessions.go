package play

import (
	"sync"
	"sync/atomic"
)

// SessionManager tracks live sessions by id. Account-to-actor mapping lives
// in the stages; this registry only answers "which connection is session N".
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
	nextId   atomic.Int64
}

func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[int64]*Session)}
}

// IssueId hands out the next session id. Ids are node-local and never
// reused within a process lifetime.
func (m *SessionManager) IssueId() int64 {
	return m.nextId.Add(1)
}

func (m *SessionManager) Add(s *Session) {
	m.mu.Lock()
	m.sessions[s.Id()] = s
	m.mu.Unlock()
}

func (m *SessionManager) Remove(id int64) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *SessionManager) Get(id int64) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Snapshot lists sessions for the admin surface.
func (m *SessionManager) Snapshot() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionInfo{
			SessionId: s.Id(),
			Remote:    s.IP(),
			AccountId: s.AccountId(),
			StageId:   s.StageId(),
			Joined:    s.IsJoined(),
		})
	}
	return out
}

// CloseAll force-closes every session during node shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()
	for _, s := range all {
		s.Close()
	}
}

// SessionInfo is one row of the admin session listing.
type SessionInfo struct {
	SessionId int64  `json:"sessionId"`
	Remote    string `json:"remote"`
	AccountId int64  `json:"accountId"`
	StageId   int64  `json:"stageId"`
	Joined    bool   `json:"joined"`
}
