package galleon

import "github.com/pkg/errors"

// Sentinel errors surfaced by the Filesystem facade (spec §7). Lower layers
// have their own sentinels (alloc.ErrInsufficientSpace, mft.ErrStaleReference,
// mft.ErrCorruptRecord, btree.ErrNotFound) which callers may also match
// against directly via errors.Cause.
var (
	ErrNotFound          = errors.New("galleon: file or directory not found")
	ErrAlreadyExists     = errors.New("galleon: name already exists in directory")
	ErrNotADirectory     = errors.New("galleon: not a directory")
	ErrIsADirectory      = errors.New("galleon: is a directory")
	ErrDirectoryNotEmpty = errors.New("galleon: directory not empty")
	ErrNotMounted        = errors.New("galleon: filesystem not mounted")
)
