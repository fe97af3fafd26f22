package task

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/reporthub/reporthub/pkg/types"
)

// ErrCancelled is returned by a task run function that observed a cancel
// request and stopped early. The worker maps it to the cancelled or dropped
// terminal status depending on why the cancellation was asked for.
var ErrCancelled = errors.New("task cancelled")

// Runtime is the surface a running task sees. Implementations bridge back
// to the task manager under the task's own token.
type Runtime interface {
	// Token returns the task's identifier
	Token() string
	// DataDir returns the task's scratch directory, empty if none was made
	DataDir() string
	// Heartbeat stamps the task's liveness time
	Heartbeat()
	// ShouldCancel reports whether the task must stop at the next safe point
	ShouldCancel() bool
	// AddComment appends a progress comment visible to the task's actor
	AddComment(body string)
}

// Func executes one task. The payload is the kind-specific input decoded
// from the envelope. Returning ErrCancelled marks cooperative cancellation;
// any other error fails the task.
type Func func(ctx context.Context, rt Runtime, payload json.RawMessage) error

// Kind binds a name and payload schema version to a run function
type Kind struct {
	Name          string
	SchemaVersion int
	Run           Func
}

// KindRegistry is the closed set of task kinds a server build understands.
// Registration happens at startup; lookups are concurrent.
type KindRegistry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewKindRegistry creates an empty kind registry
func NewKindRegistry() *KindRegistry {
	return &KindRegistry{kinds: make(map[string]Kind)}
}

// Register adds a kind. Re-registering a name is a programming error.
func (r *KindRegistry) Register(k Kind) error {
	if k.Name == "" || k.Run == nil {
		return fmt.Errorf("%w: task kind requires a name and a run function", types.ErrInputMalformed)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[k.Name]; ok {
		return fmt.Errorf("%w: task kind %q already registered", types.ErrConflict, k.Name)
	}
	r.kinds[k.Name] = k
	return nil
}

// Get returns the kind registered under the name
func (r *KindRegistry) Get(name string) (Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	if !ok {
		return Kind{}, fmt.Errorf("%w: unknown task kind %q", types.ErrInputMalformed, name)
	}
	return k, nil
}

// Names returns the registered kind names
func (r *KindRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	return names
}

// Envelope is the durable form of a task's input, staged on the work queue
// at push and handed to whichever worker claims the task.
type Envelope struct {
	Kind          string          `json:"kind"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	DataDir       string          `json:"data_dir,omitempty"`
}

// EncodeEnvelope serializes an envelope and proves it survives a decode
// round trip before anything is persisted. A payload that cannot round-trip
// must be rejected at push time, not discovered by a worker.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: payload does not serialize: %v", types.ErrInputMalformed, err)
	}
	back, err := DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if back.Kind != env.Kind || back.SchemaVersion != env.SchemaVersion {
		return nil, fmt.Errorf("%w: envelope did not survive round trip", types.ErrInputMalformed)
	}
	if !jsonEqual(back.Payload, env.Payload) {
		return nil, fmt.Errorf("%w: payload did not survive round trip", types.ErrInputMalformed)
	}
	return raw, nil
}

// DecodeEnvelope deserializes a staged envelope
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: malformed task envelope: %v", types.ErrInputMalformed, err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("%w: task envelope has no kind", types.ErrInputMalformed)
	}
	return env, nil
}

func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	var ca, cb bytes.Buffer
	if err := json.Compact(&ca, a); err != nil {
		return false
	}
	if err := json.Compact(&cb, b); err != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
