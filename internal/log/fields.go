package log

// Common field names for structured logging
const (
	FieldComponent     = "component"
	FieldRequestID     = "request_id"
	FieldClientIP      = "client_ip"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldStatusCode    = "status_code"
	FieldDuration      = "duration_ms"
	FieldSuccess       = "success"
	FieldError         = "error"
	FieldOperation     = "operation"
	FieldOperationID   = "operation_id"
	FieldOperationKind = "operation_kind"
	FieldStatus        = "status"
	FieldOutcome       = "outcome"
	FieldActorID       = "actor_id"
	FieldUserID        = "user_id"
	FieldAmountCents   = "amount_cents"
	FieldTxCount       = "transaction_count"
	FieldAnnouncement  = "announcement_id"
	FieldAttempt       = "attempt"
)

// Components defines standard component names
const (
	ComponentApp        = "app"
	ComponentHTTP       = "http"
	ComponentTelegram   = "telegram"
	ComponentCollective = "collective"
	ComponentLedger     = "ledger"
	ComponentUsers      = "users"
	ComponentRegistry   = "registry"
	ComponentNotify     = "notify"
	ComponentStorage    = "storage"
	ComponentAMQP       = "amqp"
	ComponentWorker     = "worker"
	ComponentSheets     = "sheets"
	ComponentRateLimit  = "rate_limit"
	ComponentTrace      = "trace"
	ComponentBackend    = "backend"
	ComponentSweeper    = "idle_sweeper"
)

// Operations defines standard operation names
const (
	OpCreate   = "create"
	OpJoin     = "join_or_leave"
	OpQuantity = "set_quantity"
	OpExternal = "adjust_externals"
	OpVote     = "cast_vote"
	OpFinalize = "finalize"
	OpCancel   = "cancel"
	OpRecord   = "record"
	OpResolve  = "resolve"
	OpRender   = "render"
	OpAnnounce = "announce"
	OpSync     = "sync"
	OpShutdown = "shutdown"
	OpStartup  = "startup"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

func (f LogFields) WithRequestID(requestID string) LogFields {
	f[FieldRequestID] = requestID
	return f
}

func (f LogFields) WithClientIP(ip string) LogFields {
	f[FieldClientIP] = ip
	return f
}

// WithError adds the error message, skipping nil errors
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithCollective adds the identity of a collective operation
func (f LogFields) WithCollective(id int64, kind string, actorID int64) LogFields {
	f[FieldOperationID] = id
	f[FieldOperationKind] = kind
	f[FieldActorID] = actorID
	return f
}

func (f LogFields) WithHTTPRequest(method, path string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	return f
}

func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = statusCode < 400
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
