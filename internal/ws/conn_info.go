package ws

import "time"

// ConnInfo describes one live websocket connection.
type ConnInfo struct {
	ConnID        string
	Kind          string
	Room          string
	UserID        string
	ParticipantID string
	DeviceID      string
	IP            string
	RequestID     string
	TraceID       string
	ConnectedAt   time.Time
}
