package ports

// SourceWatcher monitors media source roots and reports which root changed.
// The adapter (fsnotify) filters out housekeeping files (.DS_Store, SQLite
// journals, thumbnail caches) and coalesces bursts before reporting.
type SourceWatcher interface {
	// Add starts monitoring root recursively. Returns an error if root does
	// not exist or is not a directory.
	Add(root string) error

	// Remove stops monitoring root.
	Remove(root string) error

	// Stop ends monitoring and releases all resources. After Stop returns,
	// no further callbacks fire. Safe to call multiple times.
	Stop() error
}
