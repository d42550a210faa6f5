package live

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/harrisonrobin/taskboard/pkg/model"
)

// EventKind is the kind of a task event delivered to the board.
type EventKind string

const (
	TaskChanged EventKind = "task-changed"
	TaskRemoved EventKind = "task-removed"
)

// Event is one inbound push event, forwarded verbatim to the reconciliation engine.
type Event struct {
	Kind   EventKind
	Task   model.Task
	TaskID string
}

// Wire event names sent by the server.
const (
	wireTaskUpdated = "TASK_UPDATED"
	wireTaskDeleted = "TASK_DELETED"
	wireError       = "error"
	wireDisconnect  = "disconnect"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type handshake struct {
	Auth handshakeAuth `json:"auth"`
}

type handshakeAuth struct {
	Token string `json:"token"`
}

var authPhrases = []string{
	"access token expired",
	"authentication failed",
	"invalid access token",
	"unauthorized",
}

// decodeFrame turns one text frame into an Event. A nil Event with a nil
// error means the frame is ignorable. Error and disconnect frames come back
// as *ChannelError and end the connection.
func decodeFrame(raw []byte) (*Event, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	switch f.Event {
	case wireTaskUpdated:
		var t model.Task
		if err := json.Unmarshal(f.Data, &t); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", f.Event, err)
		}
		if t.ID == "" {
			return nil, fmt.Errorf("%s payload without id", f.Event)
		}
		return &Event{Kind: TaskChanged, Task: t, TaskID: t.ID}, nil
	case wireTaskDeleted:
		id, err := decodeTaskID(f.Data)
		if err != nil {
			return nil, err
		}
		return &Event{Kind: TaskRemoved, TaskID: id}, nil
	case wireError:
		msg := decodeMessage(f.Data)
		kind := KindTransport
		if isAuthMessage(msg) {
			kind = KindAuth
		}
		return nil, &ChannelError{Kind: kind, Err: errors.New(msg)}
	case wireDisconnect:
		return nil, &ChannelError{Kind: KindServerDisconnect, Err: errors.New(decodeMessage(f.Data))}
	}
	return nil, nil
}

func decodeTaskID(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil && id != "" {
		return id, nil
	}
	var obj struct {
		ID     string `json:"id"`
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		if obj.TaskID != "" {
			return obj.TaskID, nil
		}
		if obj.ID != "" {
			return obj.ID, nil
		}
	}
	return "", fmt.Errorf("malformed %s payload: %s", wireTaskDeleted, string(data))
}

func decodeMessage(data json.RawMessage) string {
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	return string(data)
}

func isAuthMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range authPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
