package ledger

// LockCount returns the number of job locks currently held or awaited.
func (l *Ledger) LockCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
