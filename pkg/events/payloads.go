package events

// Message taxonomy published on a job's stream channel. JSON shapes are a
// contract with the frontend renderer — field names must not change.

// ProgressMessage is a non-terminal progress update.
type ProgressMessage struct {
	Message  string `json:"message"`
	Progress int    `json:"progress"`
}

// TerminalMessage marks the final state of a job on its stream.
// Consumers treat the first complete=true message as authoritative.
type TerminalMessage struct {
	Complete bool   `json:"complete"`
	Content  string `json:"content"`
	IsError  bool   `json:"isError"`
}

// Typed non-terminal message types.
const (
	TypeAPIBlueprint        = "apiBlueprint"
	TypeDeploymentTriggered = "deployment_triggered"
	TypeDeploymentComplete  = "deployment_complete"
)

// BlueprintMessage carries an intermediate API blueprint artifact.
type BlueprintMessage struct {
	Type    string      `json:"type"`
	Content interface{} `json:"content"`
}

// DeploymentTriggeredMessage signals that deployment has been queued
// externally (CI on the main branch).
type DeploymentTriggeredMessage struct {
	Type    string `json:"type"`
	URL     string `json:"url"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// DeploymentCompleteMessage reports a synchronous deployment outcome.
type DeploymentCompleteMessage struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// LLMChunkMessage streams raw LLM text on the job's llm-stream channel.
type LLMChunkMessage struct {
	JobID     string `json:"jobId"`
	Chunk     string `json:"chunk,omitempty"`
	Done      bool   `json:"done"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// LLMStreamChannel returns the channel name for a job's LLM text stream.
func LLMStreamChannel(jobID string) string {
	return "llm-stream-" + jobID
}
