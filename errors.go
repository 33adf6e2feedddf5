package bkennet

import "errors"

// Construction-time sentinel errors. I/O failures surface to the host as
// ERR_IO on the relevant operation (§7) rather than as Go errors, since the
// public API has no error return on its async operations; these sentinels
// are reserved for New, the only call that can fail synchronously.
var (
	// ErrHostRequired is returned by New when Configuration.Host is empty.
	ErrHostRequired = errors.New("bkennet: host is required")
	// ErrInvalidPort is returned by New when Configuration.Port is outside 1-65535.
	ErrInvalidPort = errors.New("bkennet: port must be between 1 and 65535")
)
