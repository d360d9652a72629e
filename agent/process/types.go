package process

// procRequestMessage is the only message the client sends.
type procRequestMessage struct {
	Command string
	Args    []string
	Env     []string
	WD      string
}

// procResponseMessage is a process response message.
// Messages before the last contain either stdout or stderr bytes.
// The last message has StdoutDone and StderrDone set and carries the relay result.
type procResponseMessage struct {
	Stdout     []byte `json:",omitempty"`
	StdoutDone bool   `json:",omitempty"`

	Stderr     []byte `json:",omitempty"`
	StderrDone bool   `json:",omitempty"`

	// Exited is true if the process exited and its pipes are drained. ExitCode and TimeMS must be provided in that case.
	Exited   bool
	ExitCode int
	Signal   int   `json:",omitempty"`
	TimeMS   int64 `json:",omitempty"`

	StdoutBytes int64 `json:",omitempty"`
	StderrBytes int64 `json:",omitempty"`

	// StdoutErr and StderrErr are per-stream relay failures. Err is a failure of the relay as a whole.
	StdoutErr string `json:",omitempty"`
	StderrErr string `json:",omitempty"`
	Err       string `json:",omitempty"`

	// RelayID identifies the server-side relay in the agent's logs.
	RelayID string `json:",omitempty"`
}
