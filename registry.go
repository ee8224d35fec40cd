package dispatch

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// TaskMetadata is injected into a task function that declares a
// parameter of this type. It carries the fields spec.md §4.D assigns to
// a task's "metadata" parameter: id, timestamp, version and (on the
// consumer side) the queue receipt handle.
type TaskMetadata struct {
	ID        string
	Timestamp int64
	Version   string
	Receipt   string
}

// Headers is injected into a task function that declares a parameter of
// this type, filled with a copy of the message headers.
type Headers map[string]string

// DBs is injected into a task function that declares a parameter of this
// type, filled with the configured named database handles (SPEC_FULL.md
// §4.D/§4.J). Values are typically *sqlx.DB but are kept as `any` here so
// this package does not depend on the db package.
type DBs map[string]any

// registry is the process-wide name→Task map. Populated at import/init
// time (via Register), treated as read-only afterward — the direct Go
// analogue of the decorator-time registration the system this module
// generalizes relies on.
var registry = struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}{tasks: map[string]*Task{}}

// RegisterOption customizes Register.
type RegisterOption func(*Task)

// WithName overrides the default derived task name.
func WithName(name string) RegisterOption {
	return func(t *Task) { t.name = name }
}

// WithSchema attaches a JSON Schema (xeipuuv/gojsonschema draft-07)
// validating the task's argument payload before it runs. This is a
// supplement beyond the base task model: opt-in per task, grounded on
// the teacher's Router.RegisterSchema. The schema text is compiled by
// Register, which rejects a malformed schema with ErrInvalidSchema
// instead of deferring the failure to the task's first call.
func WithSchema(schema string) RegisterOption {
	return func(t *Task) { t.schemaRaw = schema }
}

var (
	headersType  = reflect.TypeOf(Headers(nil))
	dbsType      = reflect.TypeOf(DBs(nil))
	metadataType = reflect.TypeOf(TaskMetadata{})
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
)

// Register turns fn into a dispatchable Task and adds it to the global
// registry under name (or, if name is "", under a name derived from fn's
// type). Registering two tasks under the same name fails with
// ErrConfiguration.
//
// fn must be a function value. Go's reflect package cannot recover
// parameter names from a compiled function (unlike the system this
// module generalizes, which used runtime signature inspection keyed on
// parameter name) — so injection here is keyed on parameter *type*
// instead. A parameter of type dispatch.TaskMetadata, dispatch.Headers,
// or dispatch.DBs is recognized wherever it appears in fn's parameter
// list and filled in at call time; this is the direct, type-safe
// translation of spec.md §4.D's name-based "metadata"/"headers" (and the
// supplemented "dbs") convention. Every other parameter is treated as a
// positional business argument, filled from the message's Args in
// declaration order.
//
// A variadic fn is rejected with ErrConfiguration ("use of variadic args
// is not allowed"), matching spec.md's rejection of *args.
//
// If fn declares a non-error return value, a reply queue name is minted
// as lastSegment(name) + "-" + 8 hex chars.
func Register(fn any, opts ...RegisterOption) (*Task, error) {
	fnValue := reflect.ValueOf(fn)
	if fnValue.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: Register requires a function value", ErrConfiguration)
	}
	fnType := fnValue.Type()
	if fnType.IsVariadic() {
		return nil, fmt.Errorf("%w: use of variadic args is not allowed", ErrConfiguration)
	}

	task := &Task{fn: fnValue, fnType: fnType}
	for _, opt := range opts {
		opt(task)
	}
	if task.name == "" {
		task.name = defaultTaskName(fnType)
	}
	if task.schemaRaw != "" {
		compiled, err := compilePayloadSchema(task.schemaRaw)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", task.name, err)
		}
		task.schema = compiled
	}

	introspect(task)

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if existing, ok := registry.tasks[task.name]; ok {
		return nil, fmt.Errorf("%w: task named %q already registered for %v", ErrConfiguration, task.name, existing.fnType)
	}
	registry.tasks[task.name] = task
	return task, nil
}

// defaultTaskName derives a name from fn's runtime type when no explicit
// name is given via WithName. Go erases the declaring package and
// function name from reflect.Type for a bare func value, so callers that
// care about a stable, human-readable default should pass WithName
// explicitly; this fallback only guarantees a name unique to the
// function's signature shape, not its source location.
func defaultTaskName(fnType reflect.Type) string {
	return strings.TrimPrefix(fnType.String(), "func")
}

// introspect inspects fn's parameter and return types, setting
// Task.acceptsMetadata/acceptsHeaders/acceptsDBs/positionalIdx and
// minting a reply queue name when fn returns a non-error value.
func introspect(t *Task) {
	for i := 0; i < t.fnType.NumIn(); i++ {
		switch t.fnType.In(i) {
		case metadataType:
			t.acceptsMetadata = true
		case headersType:
			t.acceptsHeaders = true
		case dbsType:
			t.acceptsDBs = true
		default:
			t.positionalIdx = append(t.positionalIdx, i)
		}
	}

	numOut := t.fnType.NumOut()
	hasReturn := false
	if numOut > 0 {
		lastIsErr := t.fnType.Out(numOut-1) == errorType
		t.returnsErr = lastIsErr
		if lastIsErr {
			hasReturn = numOut > 1
		} else {
			hasReturn = true
		}
	}

	if hasReturn {
		t.replyTo = lastSegment(t.name) + "-" + randomHex(4)
	}
}

func lastSegment(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return name
	}
	return name[idx+1:]
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is not a recoverable condition worth a
		// typed error here; fall back to a constant suffix rather than
		// panic mid-registration.
		return strings.Repeat("0", n*2)
	}
	return hex.EncodeToString(buf)
}

// FindByName looks up a registered Task by its dotted name.
func FindByName(name string) (*Task, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	t, ok := registry.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, name)
	}
	return t, nil
}

// ValidateTasksRegistered confirms every name in names (config.Config.
// Tasks) has a registered Task, failing fast with ErrConfiguration naming
// whatever is missing. The original relies on dynamically importing each
// configured task module as a registration side effect, then trusting
// that import to have succeeded; Go has no dynamic import, so only task
// packages linked into the running binary register anything, and this
// check is the startup-time equivalent of the original's
// "did the import actually register what I expected" guarantee.
func ValidateTasksRegistered(names []string) error {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	var missing []string
	for _, name := range names {
		if _, ok := registry.tasks[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: configured tasks not registered: %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	return nil
}

// BindAllDBs attaches dbs to every currently-registered task that
// declared a dispatch.DBs parameter. Called once at startup, after
// db.Open and after every task package's init() has run.
func BindAllDBs(dbs DBs) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	for _, t := range registry.tasks {
		if t.acceptsDBs {
			t.BindDBs(dbs)
		}
	}
}

// resetRegistry clears the global registry. Test-only.
func resetRegistry() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.tasks = map[string]*Task{}
}
