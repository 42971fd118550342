package transport

import "testing"

func TestSelectMode_ReadOnly(t *testing.T) {
	sel := selectMode(OpenRead, 100, 5*1024*1024, 4)
	if sel.useCache || sel.downloadToCache {
		t.Fatalf("read-only should stream with no cache, got %+v", sel)
	}
	if !sel.mustExist {
		t.Fatalf("read-only must require the object to exist")
	}
}

func TestSelectMode_PutReplLargeEnoughStreams(t *testing.T) {
	threads := 4
	minPart := int64(5 * 1024 * 1024)
	size := int64(threads) * minPart
	sel := selectMode(OpenWrite|OpenPutRepl, size, minPart, threads)
	if sel.useCache {
		t.Fatalf("a large enough put_repl write should stream, got %+v", sel)
	}
	if !sel.streaming {
		t.Fatalf("expected streaming=true, got %+v", sel)
	}
}

func TestSelectMode_PutReplTooSmallFallsBackToCache(t *testing.T) {
	minPart := int64(5 * 1024 * 1024)
	sel := selectMode(OpenWrite|OpenPutRepl, minPart, minPart, 10)
	if !sel.useCache {
		t.Fatalf("a too-small put_repl write must fall back to cache mode, got %+v", sel)
	}
}

func TestSelectMode_PutReplUnknownSizeFallsBackToCache(t *testing.T) {
	sel := selectMode(OpenWrite|OpenPutRepl, -1, 5*1024*1024, 4)
	if !sel.useCache {
		t.Fatalf("an unknown-size put_repl write must fall back to cache mode, got %+v", sel)
	}
}

func TestSelectMode_WriteOnlyNoPutReplDownloadsToCache(t *testing.T) {
	sel := selectMode(OpenWrite, 1024, 5*1024*1024, 4)
	if !sel.useCache || !sel.downloadToCache {
		t.Fatalf("write-only without put_repl must download to cache first, got %+v", sel)
	}
	if sel.mustExist {
		t.Fatalf("write-only must not require prior existence (may create), got %+v", sel)
	}
}

func TestSelectMode_ReadWriteRequiresExistenceUnlessTruncate(t *testing.T) {
	sel := selectMode(OpenRead|OpenWrite, 1024, 5*1024*1024, 4)
	if !sel.mustExist || !sel.downloadToCache {
		t.Fatalf("read+write without truncate must require existence and download, got %+v", sel)
	}

	trunc := selectMode(OpenRead|OpenWrite|OpenTruncate, 1024, 5*1024*1024, 4)
	if trunc.mustExist || trunc.downloadToCache {
		t.Fatalf("read+write+truncate must not require existence or download, got %+v", trunc)
	}
}

func TestSelectMode_AppendDownloadsUnlessTruncate(t *testing.T) {
	sel := selectMode(OpenAppend, 1024, 5*1024*1024, 4)
	if !sel.useCache || !sel.downloadToCache {
		t.Fatalf("append must use cache mode and download first, got %+v", sel)
	}

	trunc := selectMode(OpenAppend|OpenTruncate, 1024, 5*1024*1024, 4)
	if trunc.downloadToCache {
		t.Fatalf("append+truncate must not download, got %+v", trunc)
	}
}
