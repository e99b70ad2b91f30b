package malloc

import "errors"

var (
	// ErrOutOfMemory is wrapped by the panic raised when a BlockSource cannot supply a block.
	// It is never returned: an allocation either succeeds or aborts the caller.
	ErrOutOfMemory = errors.New("malloc: out of memory")

	// ErrLeak reports that memory carved into slices was not found in any free list.
	ErrLeak = errors.New("malloc: leak detected")

	// ErrArenaFull is returned by ArenaSource when every block of the arena is in use.
	ErrArenaFull = errors.New("malloc: arena full")
)
