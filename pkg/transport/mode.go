package transport

// OpenMode is a bitset of the open-mode flags the caller passes to Open,
// mirroring the reference transport's read/write/append/truncate/at-end
// bits (spec.md §4.1.1). PutRepl is not a POSIX open flag; it is the
// caller's promise that writes across concurrent transport instances on the
// same key are sequential and partitioned by offset, the precondition for
// choosing streaming mode over cache mode.
type OpenMode uint32

const (
	OpenRead OpenMode = 1 << iota
	OpenWrite
	OpenAppend
	OpenTruncate
	OpenAtEnd
	OpenPutRepl
)

func (m OpenMode) has(bit OpenMode) bool { return m&bit != 0 }

// selectedMode is the outcome of spec.md §4.1.1's mode-selection table.
type selectedMode struct {
	downloadToCache bool
	useCache        bool
	mustExist       bool
	streaming       bool
}

// selectMode implements the mode-selection table in spec.md §4.1.1. knownSize
// is the size Open's HEAD observed, else the size the caller declared ahead
// of open (-1 if neither is known); minPartSize and threads come from configuration and
// determine whether a put_repl_flag write is large enough to stream.
func selectMode(m OpenMode, knownSize int64, minPartSize int64, threads int) selectedMode {
	putRepl := m.has(OpenPutRepl)
	trunc := m.has(OpenTruncate)

	switch {
	case m.has(OpenAppend):
		return selectedMode{downloadToCache: !trunc, useCache: true, mustExist: false}

	case m.has(OpenRead) && m.has(OpenWrite):
		return selectedMode{downloadToCache: !trunc, useCache: true, mustExist: !trunc}

	case m.has(OpenRead) && !m.has(OpenWrite):
		return selectedMode{downloadToCache: false, useCache: false, mustExist: true}

	case m.has(OpenWrite) && putRepl && knownSize >= 0 && threads > 0 && knownSize >= int64(threads)*minPartSize:
		return selectedMode{downloadToCache: false, useCache: false, mustExist: false, streaming: true}

	case m.has(OpenWrite) && putRepl:
		// Declared sequential-partitioned writes, but the object is too
		// small (or its size is unknown) to guarantee every part meets
		// S3's 5MiB minimum; fall back to cache mode.
		return selectedMode{downloadToCache: false, useCache: true, mustExist: false}

	case m.has(OpenWrite):
		return selectedMode{downloadToCache: true, useCache: true, mustExist: false}

	default:
		return selectedMode{downloadToCache: false, useCache: false, mustExist: true}
	}
}
