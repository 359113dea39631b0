package retention

import "errors"

var (
	// ErrWrongKey is returned when the store cannot be opened with the
	// configured key or the file was modified.
	ErrWrongKey = errors.New("wrong key or corrupted store")
	// ErrUnsupportedFormat is returned for store files written by a newer
	// format version.
	ErrUnsupportedFormat = errors.New("unsupported store format")
	// ErrNoKeySource is returned when a store is created with neither a
	// passphrase nor a key file.
	ErrNoKeySource = errors.New("no store key source")
)
