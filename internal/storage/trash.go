package storage

// Trash is a recycle bin that keeps deleted archives recoverable.
type Trash interface {
	Available() bool
	Put(path string) error
}
