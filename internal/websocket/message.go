// Package websocket implements the real-time pub/sub hub that pushes server
// events to connected GUI clients. It uses gorilla/websocket under the hood
// and exposes a topic-based broadcast API consumed by the job runner,
// scheduler, and notification service.
//
// Topic naming convention:
//
//	job:<uuid>                — status updates and output lines for a job
//	notifications:<user_id>  — in-app notifications for a specific user
package websocket

// MessageType identifies the kind of event carried by a Message.
// The GUI uses this field to route the payload to the correct store update.
type MessageType string

const (
	// MsgJobStatus is sent when a job transitions between states
	// (running → completed | failed | cancelled).
	MsgJobStatus MessageType = "job.status"

	// MsgJobOutputLine is sent for each streamed stdout/stderr line produced
	// by a running job's script subprocess.
	MsgJobOutputLine MessageType = "job.output_line"

	// MsgNotification is sent when a new in-app notification is created for
	// the subscribed user.
	MsgNotification MessageType = "notification"

	// MsgPing is a reserved message type; nothing in this package publishes
	// it. Connection keepalive uses WebSocket ping control frames sent by
	// each client's write pump.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
// The GUI deserializes this struct and dispatches on Type.
//
// JSON example:
//
//	{"type":"job.status","topic":"job:018f...","payload":{"status":"running"}}
type Message struct {
	// Type identifies the kind of event so the client can route it correctly.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	// Clients use it to associate the update with the correct UI element.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. The shape varies by Type:
	//   - job.status:      {"status":"running","started_at":"..."}
	//   - job.output_line: {"stream":"stdout","line":"...","timestamp":"..."}
	//   - notification:    {"id":"...","type":"...","title":"...","body":"..."}
	//   - ping:            {} (empty)
	Payload any `json:"payload"`
}
