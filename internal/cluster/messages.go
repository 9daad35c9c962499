package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProbeText is the raw liveness frame both ends send every probe interval.
const ProbeText = "ping"

// ErrMalformed is returned by Decode for frames that are not a valid Message.
var ErrMalformed = errors.New("malformed message")

// MessageType selects the meaning of a Message.
type MessageType string

const (
	// TypeHello opens (coordinator) and answers (worker) the handshake.
	TypeHello MessageType = "hello"
	// TypeIdentity carries the worker's HostFacts.
	TypeIdentity MessageType = "identity"
	// TypeNeedWork reports an idle worker.
	TypeNeedWork MessageType = "need_work"
	// TypeStatus carries a full JobState snapshot.
	TypeStatus MessageType = "status"
	// TypeDiscard resets the worker to idle.
	TypeDiscard MessageType = "discard"
	// TypeSchedule assigns a job to an idle worker.
	TypeSchedule MessageType = "schedule"
)

// Message is one protocol frame.
type Message struct {
	Type     MessageType `json:"type"`
	Identity *HostFacts  `json:"identity,omitempty"`
	State    *JobState   `json:"state,omitempty"`
}

// Job describes a single-shot command to run.
type Job struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// JobState is the worker's persisted job descriptor, lifecycle flags and,
// once finished, the outcome.
type JobState struct {
	Job       *Job    `json:"job"`
	Running   bool    `json:"running"`
	Completed bool    `json:"completed"`
	Code      *int    `json:"code,omitempty"`
	Signal    *string `json:"signal,omitempty"`
	Stdout    string  `json:"stdout,omitempty"`
	Stderr    string  `json:"stderr,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// MarshalJSON always writes stdout and stderr once the job completed, even
// when the job printed nothing.
func (s JobState) MarshalJSON() ([]byte, error) {
	type plain JobState
	if !s.Completed {
		return json.Marshal(plain(s))
	}
	return json.Marshal(struct {
		plain
		Stdout string `json:"stdout"`
		Stderr string `json:"stderr"`
	}{plain(s), s.Stdout, s.Stderr})
}

// Idle reports whether no job is assigned.
func (s JobState) Idle() bool {
	return s.Job == nil
}

// Phase names the lifecycle state for logs and the admin API.
func (s JobState) Phase() string {
	switch {
	case s.Job == nil:
		return "idle"
	case s.Completed:
		return "completed"
	case s.Running:
		return "running"
	default:
		return "scheduled"
	}
}

// Clone returns a deep copy so snapshots can leave the owning goroutine.
func (s *JobState) Clone() *JobState {
	if s == nil {
		return nil
	}
	out := *s
	if s.Job != nil {
		job := *s.Job
		if s.Job.Args != nil {
			job.Args = append([]string{}, s.Job.Args...)
		}
		out.Job = &job
	}
	if s.Code != nil {
		code := *s.Code
		out.Code = &code
	}
	if s.Signal != nil {
		signal := *s.Signal
		out.Signal = &signal
	}
	return &out
}

// HostFacts is the descriptive identity a worker reports after the handshake.
type HostFacts struct {
	Hostname    string     `json:"hostname"`
	OS          string     `json:"os"`
	Arch        string     `json:"arch"`
	Release     string     `json:"release,omitempty"`
	Version     string     `json:"version,omitempty"`
	Machine     string     `json:"machine,omitempty"`
	CPUs        int        `json:"cpus"`
	TotalMemory uint64     `json:"total_memory,omitempty"`
	FreeMemory  uint64     `json:"free_memory,omitempty"`
	Uptime      int64      `json:"uptime,omitempty"`
	LoadAverage [3]float64 `json:"load_average"`
	GoVersion   string     `json:"go_version"`
}

// Hello, NeedWork and Discard build the payload-free messages.
func Hello() Message    { return Message{Type: TypeHello} }
func NeedWork() Message { return Message{Type: TypeNeedWork} }
func Discard() Message  { return Message{Type: TypeDiscard} }

// Status builds a status message carrying a copy of state.
func Status(state *JobState) Message {
	return Message{Type: TypeStatus, State: state.Clone()}
}

// Schedule builds a schedule message for job.
func Schedule(job Job) Message {
	job.Args = append([]string{}, job.Args...)
	return Message{Type: TypeSchedule, State: &JobState{Job: &job}}
}

// Identify builds an identity message.
func Identify(facts HostFacts) Message {
	return Message{Type: TypeIdentity, Identity: &facts}
}

// Encode serializes msg into the text of one frame.
func Encode(msg Message) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encoding %s message: %w", msg.Type, err)
	}
	return string(data), nil
}

// Decode parses the text of one frame. Anything that is not a JSON object
// with a non-empty type is ErrMalformed.
func Decode(text string) (Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return msg, nil
}
