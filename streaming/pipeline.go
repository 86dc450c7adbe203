// Package streaming implements the bounded-memory upload pipeline. Payloads
// of arbitrary size are split into fixed-size chunks, uploaded to the blob
// adapter with retries, verified end to end and summarized as a Manifest for
// the saga coordinator.
//
// Worst-case resident memory is O(chunk_size x in-flight chunks): the
// chunker and the uploader are connected by a small bounded channel and the
// payload is never materialized as a whole.
package streaming

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"polystore.evalgo.org/backend"
	"polystore.evalgo.org/identity"
)

// Config controls chunking and retry behavior.
type Config struct {
	// ChunkSize in bytes. Defaults to 8 MiB.
	ChunkSize int
	// MaxAttempts per chunk for TRANSIENT/BACKPRESSURE errors. Defaults to 3.
	MaxAttempts int
	// BackoffInitial is the first retry delay. Defaults to 1s.
	BackoffInitial time.Duration
	// BackoffMultiplier grows the delay between attempts. Defaults to 2.0.
	BackoffMultiplier float64
	// Buffer is the number of chunks held between the chunker and the
	// uploader. Defaults to 2, clamped to [1,4].
	Buffer int
	// Logger for pipeline events.
	Logger *logrus.Entry
}

const (
	defaultChunkSize = 8 << 20
	defaultAttempts  = 3
)

func (c *Config) withDefaults() Config {
	out := *c
	if out.ChunkSize <= 0 {
		out.ChunkSize = defaultChunkSize
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = defaultAttempts
	}
	if out.BackoffInitial <= 0 {
		out.BackoffInitial = time.Second
	}
	if out.BackoffMultiplier <= 1 {
		out.BackoffMultiplier = 2.0
	}
	if out.Buffer <= 0 {
		out.Buffer = 2
	}
	if out.Buffer > 4 {
		out.Buffer = 4
	}
	if out.Logger == nil {
		out.Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "streaming")
	}
	return out
}

// Pipeline uploads chunked payloads to a blob adapter.
type Pipeline struct {
	blob backend.Adapter
	cfg  Config
}

// New creates a pipeline over the given blob adapter.
func New(blob backend.Adapter, cfg Config) *Pipeline {
	return &Pipeline{blob: blob, cfg: cfg.withDefaults()}
}

type produced struct {
	chunk *Chunk
	err   error
}

// Upload streams src to the blob adapter and returns the verified manifest.
// declaredSize < 0 skips the size check. On permanent failure or exhausted
// retries the error is a *RollbackRequired carrying the uploaded chunk keys;
// on verification failure it is an INTEGRITY error wrapping *IntegrityError.
func (p *Pipeline) Upload(ctx context.Context, documentID string, src io.Reader, declaredSize int64) (*Manifest, error) {
	log := p.cfg.Logger.WithField("document_id", documentID)

	chunker := NewChunker(documentID, src, p.cfg.ChunkSize)
	out := make(chan produced, p.cfg.Buffer)

	go func() {
		defer close(out)
		for {
			chunk, err := chunker.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				select {
				case out <- produced{err: err}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- produced{chunk: chunk}:
			case <-ctx.Done():
				return
			}
		}
	}()

	manifest := &Manifest{
		DocumentID: documentID,
		ChunkSize:  p.cfg.ChunkSize,
	}

	for item := range out {
		if item.err != nil {
			p.drain(out)
			return nil, &RollbackRequired{DocumentID: documentID, Uploaded: manifest.ChunkKeys, Cause: fmt.Errorf("reading payload source: %w", item.err)}
		}
		if err := ctx.Err(); err != nil {
			p.drain(out)
			return nil, &RollbackRequired{DocumentID: documentID, Uploaded: manifest.ChunkKeys, Cause: err}
		}

		key, err := p.putChunk(ctx, item.chunk)
		if err != nil {
			p.drain(out)
			return nil, &RollbackRequired{DocumentID: documentID, Uploaded: manifest.ChunkKeys, Cause: err}
		}

		log.WithFields(logrus.Fields{
			"ordinal": item.chunk.Ordinal,
			"size":    humanize.Bytes(uint64(len(item.chunk.Data))),
		}).Debug("chunk uploaded")

		manifest.ChunkKeys = append(manifest.ChunkKeys, key)
		manifest.ChunkHashes = append(manifest.ChunkHashes, item.chunk.Hash)
	}

	manifest.ChunkCount = chunker.Count()
	manifest.TotalSize = chunker.TotalSize()
	manifest.AggregateHash = chunker.AggregateHash()

	if err := p.verify(ctx, manifest, declaredSize); err != nil {
		return nil, &RollbackRequired{DocumentID: documentID, Uploaded: manifest.ChunkKeys, Cause: err}
	}

	log.WithFields(logrus.Fields{
		"chunks": manifest.ChunkCount,
		"size":   humanize.Bytes(uint64(manifest.TotalSize)),
	}).Info("payload streamed")

	return manifest, nil
}

// putChunk uploads one chunk, retrying TRANSIENT and BACKPRESSURE errors
// with exponential backoff and jitter up to MaxAttempts.
func (p *Pipeline) putChunk(ctx context.Context, chunk *Chunk) (string, error) {
	payload := backend.Payload{
		Data: chunk.Data,
		Metadata: map[string]string{
			"chunk_hash": chunk.Hash,
			"ordinal":    strconv.Itoa(chunk.Ordinal),
		},
	}
	opts := backend.PutOptions{
		IdempotencyKey: identity.ChunkID(chunk.DocumentID, chunk.Ordinal),
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.BackoffInitial
	bo.Multiplier = p.cfg.BackoffMultiplier
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0

	var key string
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		k, err := p.blob.Put(ctx, chunk.DocumentID, payload, opts)
		if err != nil {
			if !backend.IsRetryable(err) || attempts >= p.cfg.MaxAttempts {
				return backoff.Permanent(err)
			}
			return err
		}
		key = k
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return "", fmt.Errorf("chunk %d after %d attempts: %w", chunk.Ordinal, attempts, err)
	}
	return key, nil
}

// verify runs the stream-side integrity checks: chunk count, adapter listing
// presence, aggregate hash consistency, declared size. Stored-size checks
// belong to the saga's integrity gate, which compares the adapter listing
// against this manifest again before any downstream write.
func (p *Pipeline) verify(ctx context.Context, m *Manifest, declaredSize int64) error {
	if len(m.ChunkKeys) != m.ChunkCount {
		return backend.Integrity("streaming.verify", &IntegrityError{
			DocumentID: m.DocumentID,
			Check:      CheckCount,
			Want:       strconv.Itoa(m.ChunkCount),
			Got:        strconv.Itoa(len(m.ChunkKeys)),
		})
	}

	if lister, ok := p.blob.(backend.Lister); ok {
		infos, err := lister.List(ctx, m.DocumentID)
		if err != nil {
			return fmt.Errorf("listing chunks: %w", err)
		}
		present := make(map[string]bool, len(infos))
		for _, info := range infos {
			present[info.NativeKey] = true
		}
		for _, key := range m.ChunkKeys {
			if !present[key] {
				return backend.Integrity("streaming.verify", &IntegrityError{
					DocumentID: m.DocumentID,
					Check:      CheckListing,
					Want:       key,
					Got:        "absent",
				})
			}
		}
	}

	if declaredSize >= 0 && m.TotalSize != declaredSize {
		return backend.Integrity("streaming.verify", &IntegrityError{
			DocumentID: m.DocumentID,
			Check:      CheckSize,
			Want:       strconv.FormatInt(declaredSize, 10),
			Got:        strconv.FormatInt(m.TotalSize, 10),
		})
	}

	return nil
}

// Cleanup deletes uploaded chunks best-effort and returns the keys whose
// deletion failed. Callers append those to the failed-cleanups log.
func (p *Pipeline) Cleanup(ctx context.Context, documentID string, keys []string) []string {
	var failed []string
	for _, key := range keys {
		if err := p.blob.Delete(ctx, documentID, key); err != nil {
			p.cfg.Logger.WithFields(logrus.Fields{
				"document_id": documentID,
				"native_key":  key,
			}).WithError(err).Warn("chunk cleanup failed")
			failed = append(failed, key)
		}
	}
	return failed
}

// drain unblocks the producer goroutine after an abort.
func (p *Pipeline) drain(out <-chan produced) {
	for range out {
	}
}
