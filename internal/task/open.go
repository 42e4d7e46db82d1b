package task

import "fmt"

// Open constructs a Store from a driver name ("sqlite" or "postgres") plus
// its DSN/path, per spec.md §11's dual-backend wiring.
func Open(driver, dsnOrPath string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLiteStore(dsnOrPath)
	case "postgres":
		return NewPostgresStore(dsnOrPath)
	default:
		return nil, fmt.Errorf("task: unknown database driver %q", driver)
	}
}
