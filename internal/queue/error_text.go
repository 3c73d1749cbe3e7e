package queue

const maxErrorMessageLen = 1024

// truncateError bounds worker-reported error text before it lands in the
// task row; full tracebacks belong in worker logs, not the queue.
func truncateError(message string) string {
	if len(message) <= maxErrorMessageLen {
		return message
	}
	return message[:maxErrorMessageLen]
}
