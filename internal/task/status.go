package task

// Status is stored as an int32 so it can be read and written atomically.
type Status = int32

const (
	StatusPending Status = iota
	StatusDownloading
	StatusPaused
	StatusCompleted
	StatusFailed
)

// IsTerminal reports whether no further transitions can occur.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed
}

// StatusString returns a human-readable name for s.
func StatusString(s Status) string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDownloading:
		return "downloading"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}
