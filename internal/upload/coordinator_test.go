package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/lvbu1984/chunkd/internal/lifecycle"
	"github.com/lvbu1984/chunkd/internal/storage"
)

type fixture struct {
	coord     *Coordinator
	ledger    *lifecycle.SQLiteStore
	chunks    storage.ChunkStore
	outputDir string
	observer  *countingObserver
}

func newFixture(t *testing.T, chunks storage.ChunkStore, maxChunk int64) *fixture {
	t.Helper()
	dir := t.TempDir()
	ledger, err := lifecycle.OpenSQLite(filepath.Join(dir, "db", "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	if chunks == nil {
		chunks = storage.NewDiskStore(filepath.Join(dir, "chunks"))
	}
	obs := &countingObserver{}
	out := filepath.Join(dir, "uploads")
	coord := NewCoordinator(chunks, ledger, Options{
		OutputDir:    out,
		MaxChunkSize: maxChunk,
		Observer:     obs,
	})
	return &fixture{coord: coord, ledger: ledger, chunks: chunks, outputDir: out, observer: obs}
}

func (f *fixture) put(t *testing.T, id string, index, total int, body string) *lifecycle.UploadSession {
	t.Helper()
	session, err := f.coord.IngestChunk(context.Background(), Chunk{
		UploadID: id,
		Index:    index,
		Total:    total,
		Body:     strings.NewReader(body),
	})
	require.NoError(t, err)
	return session
}

func outputFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

type countingObserver struct {
	stored, rejected, removed, leaked atomic.Int64
	mu                                sync.Mutex
	merges                            []string
}

func (o *countingObserver) ChunkStored(int64)    { o.stored.Add(1) }
func (o *countingObserver) ChunkRejected(string) { o.rejected.Add(1) }
func (o *countingObserver) UploadRemoved(string) { o.removed.Add(1) }
func (o *countingObserver) CleanupFailed(string) { o.leaked.Add(1) }
func (o *countingObserver) MergeFinished(outcome string, _ time.Duration, _ int64) {
	o.mu.Lock()
	o.merges = append(o.merges, outcome)
	o.mu.Unlock()
}

func TestUploadDemoOutOfOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, 0)
	f.coord.merger.now = func() time.Time { return time.UnixMilli(1700000000123) }

	f.put(t, "demo.txt", 2, 3, "world")
	f.put(t, "demo.txt", 0, 3, "hello ")

	session, ok, err := f.coord.Progress(ctx, "demo.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int{0, 2}, session.Received)
	assert.Equal(t, 3, session.TotalChunks)

	_, err = f.coord.Merge(ctx, "demo.txt", 3)
	var incomplete *IncompleteUploadError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []int{1}, incomplete.Missing)
	assert.ErrorIs(t, err, ErrIncompleteUpload)

	// a failed merge leaves everything in place
	session, ok, err = f.coord.Progress(ctx, "demo.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int{0, 2}, session.Received)

	session = f.put(t, "demo.txt", 1, 3, "chunked ")
	assert.True(t, session.Complete())

	result, err := f.coord.Merge(ctx, "demo.txt", 3)
	require.NoError(t, err)
	assert.Equal(t, "demo-1700000000123.txt", result.FileName)
	assert.Equal(t, int64(len("hello chunked world")), result.Size)
	assert.Equal(t, 3, result.Chunks)

	data, err := os.ReadFile(filepath.Join(f.outputDir, result.FileName))
	require.NoError(t, err)
	assert.Equal(t, "hello chunked world", string(data))
	assert.Equal(t, []string{result.FileName}, outputFiles(t, f.outputDir))

	_, ok, err = f.coord.Progress(ctx, "demo.txt")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = f.chunks.Open(ctx, "demo.txt", 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.coord.Merge(ctx, "demo.txt", 3)
	assert.ErrorIs(t, err, ErrNothingToMerge)
	assert.Equal(t, []string{"incomplete", "ok", "nothing"}, f.observer.merges)
}

func TestMergedNamesDoNotCollide(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, 0)
	f.coord.merger.now = func() time.Time { return time.UnixMilli(42) }

	var names []string
	for i := 0; i < 3; i++ {
		f.put(t, "report.pdf", 0, 1, fmt.Sprintf("v%d", i))
		result, err := f.coord.Merge(ctx, "report.pdf", 1)
		require.NoError(t, err)
		names = append(names, result.FileName)
	}

	assert.Equal(t, []string{"report-42.pdf", "report-42-1.pdf", "report-42-2.pdf"}, names)
}

func TestIngestRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, nil, 0)

	cases := map[string]Chunk{
		"empty id":        {UploadID: "", Index: 0, Total: 1, Body: strings.NewReader("x")},
		"traversal":       {UploadID: "../escape", Index: 0, Total: 1, Body: strings.NewReader("x")},
		"index too large": {UploadID: "a.bin", Index: 3, Total: 3, Body: strings.NewReader("x")},
		"negative index":  {UploadID: "a.bin", Index: -1, Total: 3, Body: strings.NewReader("x")},
		"zero total":      {UploadID: "a.bin", Index: 0, Total: 0, Body: strings.NewReader("x")},
		"huge total":      {UploadID: "a.bin", Index: 0, Total: MaxTotalChunks + 1, Body: strings.NewReader("x")},
		"no body":         {UploadID: "a.bin", Index: 0, Total: 1},
	}
	for name, chunk := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.coord.IngestChunk(context.Background(), chunk)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	_, ok, err := f.coord.Progress(context.Background(), "a.bin")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.EqualValues(t, len(cases), f.observer.rejected.Load())
}

func TestIngestRejectsTotalMismatch(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	f := newFixture(t, mem, 0)

	f.put(t, "a.bin", 0, 4, "a")
	_, err := f.coord.IngestChunk(ctx, Chunk{UploadID: "a.bin", Index: 1, Total: 5, Body: strings.NewReader("b")})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, 1, mem.Len("a.bin"))
}

func TestMergeTotalMismatchIsIncomplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, 0)
	for i, part := range []string{"a", "b", "c"} {
		f.put(t, "t.bin", i, 3, part)
	}

	// asking for more chunks than declared names the ones that never came
	_, err := f.coord.Merge(ctx, "t.bin", 5)
	var incomplete *IncompleteUploadError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []int{3, 4}, incomplete.Missing)

	// asking for fewer would truncate the file
	_, err = f.coord.Merge(ctx, "t.bin", 2)
	assert.ErrorIs(t, err, ErrIncompleteUpload)
	assert.NotErrorIs(t, err, ErrInvalidRequest)
	assert.False(t, errors.As(err, &incomplete))

	assert.Empty(t, outputFiles(t, f.outputDir))
	session, ok, err := f.coord.Progress(ctx, "t.bin")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, lifecycle.StatusUploading, session.Status)
	assert.Equal(t, []string{"incomplete", "incomplete"}, f.observer.merges)

	result, err := f.coord.Merge(ctx, "t.bin", 3)
	require.NoError(t, err)
	data, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestMergeLongestUploadID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, 0)
	f.coord.merger.now = func() time.Time { return time.UnixMilli(1700000000123) }

	id := strings.Repeat("a", storage.MaxUploadIDLen-4) + ".bin"
	require.Len(t, id, storage.MaxUploadIDLen)

	var names []string
	for i := 0; i < 2; i++ {
		f.put(t, id, 0, 1, "x")
		result, err := f.coord.Merge(ctx, id, 1)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(result.FileName), 255)
		assert.FileExists(t, result.Path)
		names = append(names, result.FileName)
	}
	assert.NotEqual(t, names[0], names[1])

	_, err := f.coord.IngestChunk(ctx, Chunk{UploadID: id + "a", Index: 0, Total: 1, Body: strings.NewReader("x")})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestMergeReportsChunkCleanupFailure(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	f := newFixture(t, mem, 0)
	f.put(t, "stuck.bin", 0, 1, "data")
	mem.FailDeleteAll = func(string) error { return errors.New("device busy") }

	result, err := f.coord.Merge(ctx, "stuck.bin", 1)
	require.NoError(t, err)
	assert.ErrorIs(t, result.CleanupErr, ErrIO)
	assert.ErrorContains(t, result.CleanupErr, "device busy")
	assert.FileExists(t, result.Path)
	assert.Equal(t, int64(1), f.observer.leaked.Load())
	assert.Equal(t, 1, mem.Len("stuck.bin"))

	_, ok, err := f.coord.Progress(ctx, "stuck.bin")
	require.NoError(t, err)
	assert.False(t, ok)

	mem.FailDeleteAll = nil
	f.put(t, "ok.bin", 0, 1, "data")
	result, err = f.coord.Merge(ctx, "ok.bin", 1)
	require.NoError(t, err)
	assert.NoError(t, result.CleanupErr)
	assert.Equal(t, int64(1), f.observer.leaked.Load())
}

func TestIngestRejectsOversizeChunk(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	f := newFixture(t, mem, 4)

	f.put(t, "a.bin", 0, 2, "1234")
	_, err := f.coord.IngestChunk(ctx, Chunk{UploadID: "a.bin", Index: 1, Total: 2, Body: strings.NewReader("12345")})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, 1, mem.Len("a.bin"))

	session, _, err := f.coord.Progress(ctx, "a.bin")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, session.Received)
}

func TestDuplicateChunkLastWriteWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, 0)

	f.put(t, "dup.txt", 0, 2, "old")
	f.put(t, "dup.txt", 1, 2, "-tail")
	session := f.put(t, "dup.txt", 0, 2, "new")
	assert.Equal(t, []int{0, 1}, session.Received)

	result, err := f.coord.Merge(ctx, "dup.txt", 2)
	require.NoError(t, err)
	data, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.Equal(t, "new-tail", string(data))
}

func TestConcurrentIngestLosesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, 0)
	const total = 64

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < total; i++ {
		g.Go(func() error {
			_, err := f.coord.IngestChunk(gctx, Chunk{
				UploadID: "big.bin",
				Index:    i,
				Total:    total,
				Body:     strings.NewReader(fmt.Sprintf("%03d", i)),
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	session, ok, err := f.coord.Progress(ctx, "big.bin")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, session.Received, total)
	assert.True(t, session.Complete())
	assert.EqualValues(t, total, f.observer.stored.Load())

	result, err := f.coord.Merge(ctx, "big.bin", total)
	require.NoError(t, err)
	data, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	var want strings.Builder
	for i := 0; i < total; i++ {
		fmt.Fprintf(&want, "%03d", i)
	}
	assert.Equal(t, want.String(), string(data))
	assert.Zero(t, f.coord.locks.size())
}

func TestConcurrentMergeSucceedsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, 0)
	f.put(t, "once.txt", 0, 2, "a")
	f.put(t, "once.txt", 1, 2, "b")

	var ok, nothing atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.Merge(ctx, "once.txt", 2)
			switch {
			case err == nil:
				ok.Add(1)
			case assert.ErrorIs(t, err, ErrNothingToMerge):
				nothing.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 7, nothing.Load())
	assert.Len(t, outputFiles(t, f.outputDir), 1)
}

func TestMergeWithUnreadableChunk(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	f := newFixture(t, mem, 0)

	for i, part := range []string{"a", "b", "c"} {
		f.put(t, "lost.bin", i, 3, part)
	}
	mem.FailOpen = func(_ string, index int) error {
		if index == 1 {
			return storage.ErrNotFound
		}
		return nil
	}

	_, err := f.coord.Merge(ctx, "lost.bin", 3)
	var missing *MissingChunkError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, 1, missing.Index)
	assert.ErrorIs(t, err, ErrMissingChunk)

	assert.Empty(t, outputFiles(t, f.outputDir))
	assert.Equal(t, 3, mem.Len("lost.bin"))
	session, ok, err := f.coord.Progress(ctx, "lost.bin")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, lifecycle.StatusMerging, session.Status)

	// the retry publishes under the name chosen the first time
	mem.FailOpen = nil
	result, err := f.coord.Merge(ctx, "lost.bin", 3)
	require.NoError(t, err)
	assert.Equal(t, session.OutputName, result.FileName)
	data, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
	assert.Zero(t, mem.Len("lost.bin"))
}

func TestMergeFinishesAfterInterruptedCleanup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, 0)
	f.put(t, "crash.txt", 0, 1, "payload")

	// state left by a process that published and died before clearing the ledger
	require.NoError(t, f.ledger.BeginMerge(ctx, "crash.txt", "crash-1.txt"))
	require.NoError(t, os.MkdirAll(f.outputDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.outputDir, "crash-1.txt"), []byte("payload"), 0o644))

	result, err := f.coord.Merge(ctx, "crash.txt", 1)
	require.NoError(t, err)
	assert.Equal(t, "crash-1.txt", result.FileName)
	assert.Equal(t, int64(7), result.Size)
	assert.Equal(t, []string{"crash-1.txt"}, outputFiles(t, f.outputDir))

	_, err = f.coord.Merge(ctx, "crash.txt", 1)
	assert.ErrorIs(t, err, ErrNothingToMerge)
}

func TestMergeUnknownUpload(t *testing.T) {
	f := newFixture(t, nil, 0)

	_, err := f.coord.Merge(context.Background(), "ghost.bin", 2)
	assert.ErrorIs(t, err, ErrNothingToMerge)
	assert.Empty(t, outputFiles(t, f.outputDir))
}

func TestAbandon(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	f := newFixture(t, mem, 0)
	f.put(t, "gone.bin", 0, 2, "x")
	f.put(t, "kept.bin", 0, 2, "y")

	existed, err := f.coord.Abandon(ctx, "gone.bin")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Zero(t, mem.Len("gone.bin"))
	assert.Equal(t, 1, mem.Len("kept.bin"))

	existed, err = f.coord.Abandon(ctx, "gone.bin")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = f.coord.Merge(ctx, "gone.bin", 2)
	assert.ErrorIs(t, err, ErrNothingToMerge)
	assert.EqualValues(t, 1, f.observer.removed.Load())
}

func TestExpireOnlyStaleUploads(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	f := newFixture(t, mem, 0)
	f.put(t, "old.bin", 0, 2, "x")

	expired, err := f.coord.Expire(ctx, "old.bin", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, 1, mem.Len("old.bin"))

	expired, err = f.coord.Expire(ctx, "old.bin", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, expired)
	assert.Zero(t, mem.Len("old.bin"))

	expired, err = f.coord.Expire(ctx, "old.bin", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestLockHonoursContext(t *testing.T) {
	locks := newKeyLocks()
	unlock, err := locks.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// other keys are independent
	unlockB, err := locks.Lock(context.Background(), "b")
	require.NoError(t, err)
	unlockB()

	unlock()
	assert.Zero(t, locks.size())
}

func TestOutputName(t *testing.T) {
	dir := t.TempDir()
	now := time.UnixMilli(1234)

	cases := map[string]string{
		"demo.txt":       "demo-1234.txt",
		"archive.tar.gz": "archive.tar-1234.gz",
		"README":         "README-1234",
	}
	for in, want := range cases {
		got, err := outputName(dir, in, now)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo-1234.txt"), nil, 0o644))
	got, err := outputName(dir, "demo.txt", now)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^demo-1234-1\.txt$`), got)
}
