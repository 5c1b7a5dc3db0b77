package model

import "time"

// SessionMode selects how a relay session bridges the browser to the guest.
type SessionMode string

const (
	// SessionModeVNC bridges one client to a dedicated framebuffer connection.
	SessionModeVNC SessionMode = "vnc"
	// SessionModeSerial attaches one client to the shared serial broadcaster.
	SessionModeSerial SessionMode = "serial"
)

// SessionState is the lifecycle state of a relay session.
type SessionState string

const (
	SessionStateConnecting SessionState = "connecting"
	SessionStateActive     SessionState = "active"
	SessionStateClosing    SessionState = "closing"
	SessionStateClosed     SessionState = "closed"
)

// Session describes one browser console attachment as persisted by the store.
type Session struct {
	ID         string       `json:"id"`
	Mode       SessionMode  `json:"mode"`
	RemoteAddr string       `json:"remoteAddr"`
	State      SessionState `json:"state"`
	StartedAt  time.Time    `json:"startedAt"`
	EndedAt    *time.Time   `json:"endedAt,omitempty"`
}

// Duration returns how long the session has been (or was) attached.
func (s *Session) Duration() time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}
