package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultChunkSize   = 4 * units.MiB
	DefaultConcurrency = 4
)

// fileChunks serves fixed-size slices of a file. ReadAt is safe for
// concurrent use, so parallel uploads share one handle.
type fileChunks struct {
	file      *os.File
	size      int64
	chunkSize int64
	numChunks int
}

func openFileChunks(path string, chunkSize int64) (*fileChunks, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	n := int((info.Size() + chunkSize - 1) / chunkSize)
	if n == 0 {
		// an empty file still travels as one empty chunk
		n = 1
	}
	return &fileChunks{file: file, size: info.Size(), chunkSize: chunkSize, numChunks: n}, nil
}

func (f *fileChunks) chunk(index int) ([]byte, error) {
	offset := int64(index) * f.chunkSize
	size := f.chunkSize
	if rest := f.size - offset; rest < size {
		size = rest
	}
	buf := make([]byte, size)
	if _, err := f.file.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}
	return buf, nil
}

func (f *fileChunks) Close() error {
	return f.file.Close()
}

type PushOptions struct {
	// Name is the fileName sent to the server; defaults to the base name of the path.
	Name        string
	ChunkSize   int64
	Concurrency int
}

type PushResult struct {
	Merged   *MergeInfo
	Chunks   int
	Uploaded int
	Skipped  int
}

// Push uploads the file at path chunk by chunk and merges it. Chunks the
// server already holds are skipped, so an interrupted push can simply be
// run again.
func (c *Client) Push(ctx context.Context, path string, opts PushOptions) (*PushResult, error) {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Name == "" {
		opts.Name = filepath.Base(path)
	}

	chunks, err := openFileChunks(path, opts.ChunkSize)
	if err != nil {
		return nil, err
	}
	defer chunks.Close()

	have := make(map[int]bool)
	received, found, err := c.Progress(ctx, opts.Name)
	if err != nil {
		return nil, err
	}
	if found {
		for _, i := range received {
			have[i] = true
		}
	}

	c.logger.Info("pushing file",
		"file", opts.Name,
		"size", units.HumanSize(float64(chunks.size)),
		"chunks", chunks.numChunks,
		"already_received", len(have),
	)

	var uploaded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i := 0; i < chunks.numChunks; i++ {
		if have[i] {
			continue
		}
		g.Go(func() error {
			data, err := chunks.chunk(i)
			if err != nil {
				return err
			}
			if _, err := c.UploadChunk(gctx, opts.Name, i, chunks.numChunks, data); err != nil {
				return err
			}
			uploaded.Add(1)
			c.logger.Debug("chunk sent", "file", opts.Name, "index", i, "bytes", len(data))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged, err := c.Merge(ctx, opts.Name, chunks.numChunks)
	if err != nil {
		return nil, err
	}

	return &PushResult{
		Merged:   merged,
		Chunks:   chunks.numChunks,
		Uploaded: int(uploaded.Load()),
		Skipped:  len(have),
	}, nil
}
