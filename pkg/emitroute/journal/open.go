package journal

import "fmt"

// Drivers accepted by Open.
const (
	DriverNone   = "none"
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Open creates the store named by driver. It returns a nil Store for
// DriverNone and the empty string.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", DriverNone:
		return nil, nil
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown journal driver %q", driver)
	}
}
