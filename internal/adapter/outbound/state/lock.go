package state

// lockMode selects an advisory lock on the .lock file.
type lockMode int

const (
	lockShared lockMode = iota
	lockExclusive
)
