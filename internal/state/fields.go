package state

// Field names a key of the shared widget document. The set of fields is fixed;
// neither side may introduce new keys at runtime.
type Field string

const (
	// Notebook metadata
	FieldURL          Field = "url"
	FieldNotebookName Field = "notebook_name"

	// Auth data
	FieldAuthState   Field = "auth_state"
	FieldAuthURL     Field = "auth_url"
	FieldAuthError   Field = "auth_error"
	FieldAccessToken Field = "access_token"
	FieldAPIURL      Field = "api_url"

	// Connection/session identity, e.g. {"sessionId": "..."}
	FieldSession Field = "session"

	// Execution status
	FieldJupyterState       Field = "jupyter_state"
	FieldExecutionNum       Field = "jupyter_execution_num"
	FieldCellState          Field = "jupyter_cell_state"
	FieldCellStartedAt      Field = "jupyter_cell_started_at"
	FieldCellFinishedAt     Field = "jupyter_cell_finished_at"
	FieldCellError          Field = "jupyter_cell_error"
	FieldMonitoringState    Field = "monitoring_state"
	FieldNotifyMinExecution Field = "notify_min_execution"
	FieldNotifyMinTime      Field = "notify_min_time"

	// Notification channels
	FieldChannelsState     Field = "channels_state"
	FieldSelectedChannel   Field = "selected_channel"
	FieldChannels          Field = "channels"
	FieldSentNotifications Field = "sent_notifications"
)

// Auth states.
const (
	AuthNeedsAuth     = "needs-auth"
	AuthInProgress    = "auth-in-progress"
	AuthError         = "auth-error"
	AuthAuthenticated = "authenticated"
)

// Monitoring preferences: notify on nothing, on errors only, or whenever
// the execution stops for any reason.
const (
	MonitorNone  = "none"
	MonitorError = "error"
	MonitorStop  = "stop"
)

// Kernel and cell states.
const (
	KernelIdle    = "idle"
	KernelRunning = "running"

	CellRunning   = "running"
	CellError     = "error"
	CellSuccess   = "success"
	CellCancelled = "cancelled"
)

// Channel fetch states.
const (
	ChannelsNone      = "none"
	ChannelsLoading   = "loading"
	ChannelsForbidden = "forbidden"
	ChannelsLoaded    = "loaded"
	ChannelsError     = "error"
)

// Fields lists every recognized field in schema order.
var Fields = []Field{
	FieldURL,
	FieldNotebookName,
	FieldAuthState,
	FieldAuthURL,
	FieldAuthError,
	FieldAccessToken,
	FieldAPIURL,
	FieldSession,
	FieldJupyterState,
	FieldExecutionNum,
	FieldCellState,
	FieldCellStartedAt,
	FieldCellFinishedAt,
	FieldCellError,
	FieldMonitoringState,
	FieldNotifyMinExecution,
	FieldNotifyMinTime,
	FieldChannelsState,
	FieldSelectedChannel,
	FieldChannels,
	FieldSentNotifications,
}

var known = func() map[Field]bool {
	m := make(map[Field]bool, len(Fields))
	for _, f := range Fields {
		m[f] = true
	}
	return m
}()

// Known reports whether field is part of the fixed schema.
func Known(field Field) bool {
	return known[field]
}

// Defaults returns the initial value of every field. Nullable fields start
// as nil; list fields start empty.
func Defaults() map[Field]any {
	d := make(map[Field]any, len(Fields))
	for _, f := range Fields {
		d[f] = nil
	}
	d[FieldAuthState] = AuthNeedsAuth
	d[FieldMonitoringState] = MonitorNone
	d[FieldChannelsState] = ChannelsNone
	d[FieldChannels] = []any{}
	d[FieldSentNotifications] = []any{}
	return d
}
