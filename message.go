package dispatch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// CurrentVersion is the envelope version this build produces.
const CurrentVersion = "1.0"

// acceptedVersions is the set of metadata.version values Validate accepts.
var acceptedVersions = map[string]bool{CurrentVersion: true}

// Metadata carries the envelope's timestamp and version.
type Metadata struct {
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
}

// Message is the task envelope. It is immutable after Build returns: every
// field is populated by Build/Validate and never mutated afterward.
type Message struct {
	id         string
	taskName   string
	args       []any
	kwargs     map[string]any
	headers    map[string]string
	replyTo    string
	expiration time.Duration
	metadata   Metadata
}

// BuildOption customizes Build.
type BuildOption func(*Message)

// WithArgs sets the positional arguments.
func WithArgs(args ...any) BuildOption {
	return func(m *Message) { m.args = args }
}

// WithKwargs sets the keyword arguments.
func WithKwargs(kwargs map[string]any) BuildOption {
	return func(m *Message) { m.kwargs = kwargs }
}

// WithHeaders sets the headers map.
func WithHeaders(headers map[string]string) BuildOption {
	return func(m *Message) { m.headers = headers }
}

// WithReplyTo sets the reply-to queue name.
func WithReplyTo(replyTo string) BuildOption {
	return func(m *Message) { m.replyTo = replyTo }
}

// WithExpiration sets the expiration duration from timestamp.
func WithExpiration(expiration time.Duration) BuildOption {
	return func(m *Message) { m.expiration = expiration }
}

// WithID overrides the generated id. Used when reconstructing a Message
// from the wire, where the id travels with the payload.
func WithID(id string) BuildOption {
	return func(m *Message) { m.id = id }
}

// WithTimestamp overrides the generated timestamp (nanoseconds since
// epoch). Used when reconstructing a Message from the wire.
func WithTimestamp(ts int64) BuildOption {
	return func(m *Message) { m.metadata.Timestamp = ts }
}

// Build constructs a Message for taskName, applying defaults for any
// field not supplied via opts, then validates it. Defaults: id is a
// fresh UUIDv4, kwargs/headers are empty maps, timestamp is now in
// nanoseconds, version is CurrentVersion.
func Build(taskName string, opts ...BuildOption) (*Message, error) {
	m := &Message{
		id:       uuid.NewString(),
		taskName: taskName,
		args:     []any{},
		kwargs:   map[string]any{},
		headers:  map[string]string{},
		metadata: Metadata{Timestamp: time.Now().UnixNano(), Version: CurrentVersion},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.args == nil {
		m.args = []any{}
	}
	if m.kwargs == nil {
		m.kwargs = map[string]any{}
	}
	if m.headers == nil {
		m.headers = map[string]string{}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks every invariant spec.md §3 assigns to Message: all
// required fields present and non-null, version in the accepted set,
// and (if expiration is set) the message not yet expired.
func (m *Message) Validate() error {
	if m.id == "" {
		return fmt.Errorf("%w: missing id", ErrValidation)
	}
	if m.taskName == "" {
		return fmt.Errorf("%w: missing task_name", ErrValidation)
	}
	if m.args == nil {
		return fmt.Errorf("%w: missing args", ErrValidation)
	}
	if m.headers == nil {
		return fmt.Errorf("%w: missing headers", ErrValidation)
	}
	if m.kwargs == nil {
		return fmt.Errorf("%w: missing kwargs", ErrValidation)
	}
	if m.metadata.Timestamp == 0 {
		return fmt.Errorf("%w: missing timestamp", ErrValidation)
	}
	if !acceptedVersions[m.metadata.Version] {
		return fmt.Errorf("%w: invalid version %q", ErrValidation, m.metadata.Version)
	}
	if m.expiration > 0 && time.Now().UnixNano() > m.metadata.Timestamp+int64(m.expiration) {
		return fmt.Errorf("%w: expired message: timestamp=%d expiration=%d", ErrValidation, m.metadata.Timestamp, m.expiration)
	}
	return nil
}

// parseTimestamp supports the wire case where timestamp arrives as a
// string (spec.md §4.A: "If timestamp is a text, parse to integer or
// fail with ValidationError").
func parseTimestamp(raw json.RawMessage) (int64, error) {
	var asInt int64
	if err := json.Unmarshal(raw, &asInt); err == nil {
		return asInt, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err != nil {
		return 0, fmt.Errorf("%w: timestamp must be an int or numeric string", ErrValidation)
	}
	ts, err := strconv.ParseInt(asString, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: timestamp not parseable: %v", ErrValidation, err)
	}
	return ts, nil
}

// wireEnvelope is the JSON shape of Message.AsDict.
type wireEnvelope struct {
	ID         string            `json:"id"`
	Metadata   wireMetadata      `json:"metadata"`
	Headers    map[string]string `json:"headers"`
	Task       string            `json:"task"`
	Args       []any             `json:"args"`
	Kwargs     map[string]any    `json:"kwargs"`
	Expiration *int64            `json:"expiration,omitempty"`
	ReplyTo    *string           `json:"reply_to,omitempty"`
}

type wireMetadata struct {
	Timestamp json.RawMessage `json:"timestamp"`
	Version   string          `json:"version"`
}

// ID returns the message id.
func (m *Message) ID() string { return m.id }

// TaskName returns the dotted task name.
func (m *Message) TaskName() string { return m.taskName }

// Args returns the positional arguments.
func (m *Message) Args() []any { return m.args }

// Kwargs returns the keyword arguments.
func (m *Message) Kwargs() map[string]any { return m.kwargs }

// Headers returns the header map.
func (m *Message) Headers() map[string]string { return m.headers }

// ReplyTo returns the reply queue name, or "" if the task has no
// declared return value.
func (m *Message) ReplyTo() string { return m.replyTo }

// Expiration returns the configured expiration duration, or 0 if unset.
func (m *Message) Expiration() time.Duration { return m.expiration }

// Timestamp returns metadata.timestamp (nanoseconds since epoch).
func (m *Message) Timestamp() int64 { return m.metadata.Timestamp }

// Version returns metadata.version.
func (m *Message) Version() string { return m.metadata.Version }

// AsDict returns the canonical wire projection:
// {id, metadata, headers, task, args, kwargs, expiration, reply_to}.
func (m *Message) AsDict() map[string]any {
	d := map[string]any{
		"id": m.id,
		"metadata": map[string]any{
			"timestamp": m.metadata.Timestamp,
			"version":   m.metadata.Version,
		},
		"headers": m.headers,
		"task":    m.taskName,
		"args":    m.args,
		"kwargs":  m.kwargs,
	}
	if m.expiration > 0 {
		d["expiration"] = int64(m.expiration)
	} else {
		d["expiration"] = nil
	}
	if m.replyTo != "" {
		d["reply_to"] = m.replyTo
	} else {
		d["reply_to"] = nil
	}
	return d
}

// Equals reports structural equality via AsDict, matching spec.md §4.A.
func (m *Message) Equals(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	a, err := json.Marshal(m.AsDict())
	if err != nil {
		return false
	}
	b, err := json.Marshal(other.AsDict())
	if err != nil {
		return false
	}
	return string(a) == string(b)
}

// MarshalJSON encodes the message with the same keys as AsDict, except
// that expiration and reply_to are omitted (rather than null) when unset.
func (m *Message) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		ID:      m.id,
		Headers: m.headers,
		Task:    m.taskName,
		Args:    m.args,
		Kwargs:  m.kwargs,
	}
	tsBytes, _ := json.Marshal(m.metadata.Timestamp)
	w.Metadata = wireMetadata{Timestamp: tsBytes, Version: m.metadata.Version}
	if m.expiration > 0 {
		exp := int64(m.expiration)
		w.Expiration = &exp
	}
	if m.replyTo != "" {
		w.ReplyTo = &m.replyTo
	}
	return json.Marshal(w)
}

// Decode parses raw wire JSON into a Message using Build's options (with
// Build's empty-collection defaults), preserving the on-wire
// id/timestamp/version, then validates it. Unknown top-level
// keys are ignored defensively, matching spec.md §4.A's decode policy.
func Decode(raw []byte) (*Message, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	ts, err := parseTimestamp(w.Metadata.Timestamp)
	if err != nil {
		return nil, err
	}
	opts := []BuildOption{
		WithArgs(w.Args...),
		WithKwargs(w.Kwargs),
		WithHeaders(w.Headers),
		WithID(w.ID),
		WithTimestamp(ts),
	}
	if w.ReplyTo != nil {
		opts = append(opts, WithReplyTo(*w.ReplyTo))
	}
	if w.Expiration != nil {
		opts = append(opts, WithExpiration(time.Duration(*w.Expiration)))
	}
	m := &Message{metadata: Metadata{Version: w.Metadata.Version}}
	for _, opt := range opts {
		opt(m)
	}
	m.taskName = w.Task
	if m.args == nil {
		m.args = []any{}
	}
	if m.kwargs == nil {
		m.kwargs = map[string]any{}
	}
	if m.headers == nil {
		m.headers = map[string]string{}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ResponseMessage correlates a task's result back to the Message that
// produced it. Fields mirror original_source/dispatch/spec.py's
// ResponseMessage exactly, including the "original" nesting key.
type ResponseMessage struct {
	id       string
	metadata Metadata
	original *Message
	result   any
}

// NewResponseMessage builds a ResponseMessage for original with result.
func NewResponseMessage(original *Message, result any) *ResponseMessage {
	return &ResponseMessage{
		id:       uuid.NewString(),
		metadata: Metadata{Timestamp: time.Now().UnixNano(), Version: CurrentVersion},
		original: original,
		result:   result,
	}
}

// ID returns the response message id (distinct from the original's id).
func (r *ResponseMessage) ID() string { return r.id }

// Original returns the envelope this response correlates to.
func (r *ResponseMessage) Original() *Message { return r.original }

// Result returns the task's return value.
func (r *ResponseMessage) Result() any { return r.result }

// AsDict returns {id, metadata, result, original} where original is the
// full AsDict of the originating Message.
func (r *ResponseMessage) AsDict() map[string]any {
	return map[string]any{
		"id": r.id,
		"metadata": map[string]any{
			"timestamp": r.metadata.Timestamp,
			"version":   r.metadata.Version,
		},
		"result":   r.result,
		"original": r.original.AsDict(),
	}
}

// MarshalJSON encodes the response as its AsDict projection.
func (r *ResponseMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.AsDict())
}

// responseWire is the shape Decode-side consumers (AsyncResult) parse.
type responseWire struct {
	ID       string         `json:"id"`
	Metadata wireMetadata   `json:"metadata"`
	Result   any            `json:"result"`
	Original wireEnvelope   `json:"original"`
}

// DecodeResponse parses a raw ResponseMessage JSON body, returning the
// response id, the original message's id (for correlation), and the
// result value.
func DecodeResponse(raw []byte) (responseID string, originalID string, result any, err error) {
	var w responseWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return "", "", nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return w.ID, w.Original.ID, w.Result, nil
}
