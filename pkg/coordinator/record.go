package coordinator

import "encoding/binary"

// Record layout constants. The record is a fixed-size header followed by a
// flat table of ETag slots, memory-mapped directly so every process holding
// the same coordination file observes writes made by any other without a
// read/write syscall round trip — the mmap+flock substitute for the
// reference implementation's boost::interprocess shared-memory segment.
const (
	recordMagic   = "S3COORD1"
	recordVersion = uint16(1)

	// MaxParts bounds the ETag table exactly like the reference
	// implementation's pre-sized vector: 10,000 is S3's own multipart limit.
	MaxParts = 10000

	uploadIDCap = 256 // bytes reserved for the upload id string

	headerSize = 320 // rounded up from the field layout below for alignment

	etagDataCap  = 66 // a quoted 32-hex-char MD5 ETag plus slack
	etagSlotSize = 2 + etagDataCap
)

// Field byte offsets within the header.
const (
	offMagic                    = 0                                   // [8]byte
	offVersion                  = 8                                   // uint16
	offThreadsRemainingToClose  = 10                                  // int32
	offDoneInitiateMultipart    = 14                                  // uint8 (bool)
	offUploadIDLen              = 16                                  // uint16
	offUploadID                 = 18                                  // [uploadIDCap]byte
	offLastErrorCode            = offUploadID + uploadIDCap           // int32
	offCacheFileDownloadProgress = offLastErrorCode + 4               // int32
	offRefCount                 = offCacheFileDownloadProgress + 4    // int32
	offExistingObjectSize       = offRefCount + 4                     // int64
	offCircularBufferReadTimeout = offExistingObjectSize + 8          // uint8 (bool)
	offFileOpenCounter          = offCircularBufferReadTimeout + 1    // int32
	offCacheFileFlushed         = offFileOpenCounter + 4              // uint8 (bool)
	offKnowNumberOfThreads      = offCacheFileFlushed + 1             // uint8 (bool)
	offLastAccessTimeUnixNano   = offKnowNumberOfThreads + 1 + 6      // int64, after 6 unused padding bytes
	offHighestPartWritten       = offLastAccessTimeUnixNano + 8       // int32
)

// ErrorCode mirrors the reference transport's last_error_code enum, reduced
// to the handful of outcomes this module distinguishes at the coordination
// layer; richer Go errors are carried separately in pkg/transport.
type ErrorCode int32

const (
	ErrorCodeSuccess ErrorCode = iota
	ErrorCodeError
)

// CacheFileDownloadStatus mirrors cache_file_download_status.
type CacheFileDownloadStatus int32

const (
	DownloadNotStarted CacheFileDownloadStatus = iota
	DownloadInProgress
	DownloadComplete
	DownloadFailed
)

// Record is the in-memory, decoded mirror of the mmap'd header used while a
// caller holds the coordinator's lock. Mutations made to a *Record inside
// AtomicExec are re-encoded back into the mapped bytes before the lock is
// released.
type Record struct {
	ThreadsRemainingToClose  int32
	DoneInitiateMultipart    bool
	UploadID                 string
	LastErrorCode            ErrorCode
	CacheFileDownloadProgress CacheFileDownloadStatus
	RefCount                 int32
	ExistingObjectSize       int64
	CircularBufferReadTimeout bool
	FileOpenCounter          int32
	CacheFileFlushed         bool
	KnowNumberOfThreads      bool
	LastAccessTimeUnixNano   int64
	HighestPartWritten       int32
}

// CanDelete mirrors multipart_shared_data::can_delete(): when the caller
// knows how many threads will close this instance, zero remaining threads
// means it's safe to tear down; otherwise fall back to the open-file
// reference count.
func (r *Record) CanDelete() bool {
	if r.KnowNumberOfThreads {
		return r.ThreadsRemainingToClose == 0
	}
	return r.FileOpenCounter == 0
}

// ResetFields mirrors multipart_shared_data::reset_fields(): a fresh
// per-upload generation of the record, keeping RefCount at 1 for the caller
// that is about to start using it.
func (r *Record) ResetFields() {
	r.ThreadsRemainingToClose = 0
	r.DoneInitiateMultipart = false
	r.UploadID = ""
	r.LastErrorCode = ErrorCodeSuccess
	r.CacheFileDownloadProgress = DownloadNotStarted
	r.RefCount = 1
	r.CircularBufferReadTimeout = false
	r.FileOpenCounter = 0
	r.CacheFileFlushed = false
	r.KnowNumberOfThreads = true
	r.HighestPartWritten = 0
}

func decodeRecord(buf []byte) *Record {
	r := &Record{}
	r.ThreadsRemainingToClose = int32(binary.LittleEndian.Uint32(buf[offThreadsRemainingToClose:]))
	r.DoneInitiateMultipart = buf[offDoneInitiateMultipart] != 0

	idLen := binary.LittleEndian.Uint16(buf[offUploadIDLen:])
	r.UploadID = string(buf[offUploadID : offUploadID+int(idLen)])

	r.LastErrorCode = ErrorCode(int32(binary.LittleEndian.Uint32(buf[offLastErrorCode:])))
	r.CacheFileDownloadProgress = CacheFileDownloadStatus(int32(binary.LittleEndian.Uint32(buf[offCacheFileDownloadProgress:])))
	r.RefCount = int32(binary.LittleEndian.Uint32(buf[offRefCount:]))
	r.ExistingObjectSize = int64(binary.LittleEndian.Uint64(buf[offExistingObjectSize:]))
	r.CircularBufferReadTimeout = buf[offCircularBufferReadTimeout] != 0
	r.FileOpenCounter = int32(binary.LittleEndian.Uint32(buf[offFileOpenCounter:]))
	r.CacheFileFlushed = buf[offCacheFileFlushed] != 0
	r.KnowNumberOfThreads = buf[offKnowNumberOfThreads] != 0
	r.LastAccessTimeUnixNano = int64(binary.LittleEndian.Uint64(buf[offLastAccessTimeUnixNano:]))
	r.HighestPartWritten = int32(binary.LittleEndian.Uint32(buf[offHighestPartWritten:]))
	return r
}

func encodeRecord(buf []byte, r *Record) {
	binary.LittleEndian.PutUint32(buf[offThreadsRemainingToClose:], uint32(r.ThreadsRemainingToClose))
	buf[offDoneInitiateMultipart] = boolByte(r.DoneInitiateMultipart)

	idBytes := []byte(r.UploadID)
	if len(idBytes) > uploadIDCap {
		idBytes = idBytes[:uploadIDCap]
	}
	binary.LittleEndian.PutUint16(buf[offUploadIDLen:], uint16(len(idBytes)))
	clear(buf[offUploadID : offUploadID+uploadIDCap])
	copy(buf[offUploadID:], idBytes)

	binary.LittleEndian.PutUint32(buf[offLastErrorCode:], uint32(r.LastErrorCode))
	binary.LittleEndian.PutUint32(buf[offCacheFileDownloadProgress:], uint32(r.CacheFileDownloadProgress))
	binary.LittleEndian.PutUint32(buf[offRefCount:], uint32(r.RefCount))
	binary.LittleEndian.PutUint64(buf[offExistingObjectSize:], uint64(r.ExistingObjectSize))
	buf[offCircularBufferReadTimeout] = boolByte(r.CircularBufferReadTimeout)
	binary.LittleEndian.PutUint32(buf[offFileOpenCounter:], uint32(r.FileOpenCounter))
	buf[offCacheFileFlushed] = boolByte(r.CacheFileFlushed)
	buf[offKnowNumberOfThreads] = boolByte(r.KnowNumberOfThreads)
	binary.LittleEndian.PutUint64(buf[offLastAccessTimeUnixNano:], uint64(r.LastAccessTimeUnixNano))
	binary.LittleEndian.PutUint32(buf[offHighestPartWritten:], uint32(r.HighestPartWritten))
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// etagOffset returns the byte offset of part's ETag slot (1-indexed parts,
// like the reference implementation's etags[part-1]).
func etagOffset(part int) int {
	return headerSize + (part-1)*etagSlotSize
}

func fileSize() int {
	return headerSize + MaxParts*etagSlotSize
}
