package storage

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/aevon-lab/groupagg/internal/core/block"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// ErrSpillNotFound is returned when reading runs of a spill that has none.
var ErrSpillNotFound = errors.New("spill not found")

// SpillStore persists the runs an aggregation operator writes when it goes
// over its memory budget. A spill is identified by one id and holds an
// ordered sequence of runs; each run is a page of group keys followed by one
// intermediate-state column per aggregate.
type SpillStore interface {
	// WriteRun stores the run with sequence number seq and returns the number
	// of bytes persisted.
	WriteRun(ctx context.Context, spillID uuid.UUID, seq int, run *block.Page) (int, error)

	// ReadRuns returns every run of the spill in sequence order.
	ReadRuns(ctx context.Context, spillID uuid.UUID) ([]*block.Page, error)

	// Delete drops every run of the spill. Deleting an unknown spill is not an error.
	Delete(ctx context.Context, spillID uuid.UUID) error

	// Backend names the storage for logs and metrics.
	Backend() string
}

var (
	runEncoder *zstd.Encoder
	runDecoder *zstd.Decoder
)

func init() {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	runEncoder = enc
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(runtime.GOMAXPROCS(0)))
	if err != nil {
		panic(err)
	}
	runDecoder = dec
}

// EncodeRun serializes and compresses a run.
func EncodeRun(run *block.Page) []byte {
	return runEncoder.EncodeAll(block.EncodePage(run), nil)
}

// DecodeRun reverses EncodeRun.
func DecodeRun(payload []byte) (*block.Page, error) {
	raw, err := runDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress spill run: %w", err)
	}
	page, err := block.DecodePage(raw)
	if err != nil {
		return nil, fmt.Errorf("decode spill run: %w", err)
	}
	return page, nil
}
