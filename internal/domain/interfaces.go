package domain

// TranscriptStore persists finished chat messages to a JSONL file and supports
// loading the last N messages to restore the transcript on restart.
type TranscriptStore interface {
	// Append serializes a ChatMessage to JSON and appends it as a single line.
	Append(msg ChatMessage) error

	// LoadHistory reads the last n messages.
	// Returns empty slice when the file does not exist or n <= 0.
	LoadHistory(n int) ([]ChatMessage, error)
}

// Recorder receives every notification and action result the session
// produces. Implementations include the SQLite journal and the Telegram relay.
// Calls happen on the session loop and must not block for long.
type Recorder interface {
	RecordNotification(n Notification) error
	RecordAction(e ActionLogEntry) error
}

// AudioSink is the playback collaborator for inbound audio clips.
// PlayAudio must not block; implementations queue the clip.
type AudioSink interface {
	PlayAudio(clip AudioClip)
}
