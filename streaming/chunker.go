package streaming

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Chunk is one fixed-size slice of the payload stream.
type Chunk struct {
	DocumentID string
	Ordinal    int
	Offset     int64
	Data       []byte
	Hash       string // hex SHA-256 of Data
}

// Chunker reads a payload source as a lazy sequence of fixed-size chunks.
// It maintains a running aggregate SHA-256 over the original byte stream so
// integrity can be verified without buffering the payload.
type Chunker struct {
	documentID string
	src        io.Reader
	chunkSize  int
	ordinal    int
	offset     int64
	aggregate  hash.Hash
	done       bool
}

// NewChunker creates a chunker over src. chunkSize must be positive.
func NewChunker(documentID string, src io.Reader, chunkSize int) *Chunker {
	return &Chunker{
		documentID: documentID,
		src:        src,
		chunkSize:  chunkSize,
		aggregate:  sha256.New(),
	}
}

// Next returns the next chunk or io.EOF once the source is exhausted. The
// returned chunk owns its data slice; the chunker never retains it.
func (c *Chunker) Next() (*Chunk, error) {
	if c.done {
		return nil, io.EOF
	}

	buf := make([]byte, c.chunkSize)
	n, err := io.ReadFull(c.src, buf)
	if err == io.EOF {
		c.done = true
		return nil, io.EOF
	}
	if err == io.ErrUnexpectedEOF {
		c.done = true
		err = nil
	}
	if err != nil {
		c.done = true
		return nil, err
	}
	if n == 0 {
		c.done = true
		return nil, io.EOF
	}

	data := buf[:n]
	c.aggregate.Write(data)
	sum := sha256.Sum256(data)

	chunk := &Chunk{
		DocumentID: c.documentID,
		Ordinal:    c.ordinal,
		Offset:     c.offset,
		Data:       data,
		Hash:       hex.EncodeToString(sum[:]),
	}
	c.ordinal++
	c.offset += int64(n)
	return chunk, nil
}

// Count returns how many chunks have been produced so far.
func (c *Chunker) Count() int { return c.ordinal }

// TotalSize returns how many payload bytes have been consumed so far.
func (c *Chunker) TotalSize() int64 { return c.offset }

// AggregateHash returns the hex SHA-256 over all bytes consumed so far.
func (c *Chunker) AggregateHash() string {
	return hex.EncodeToString(c.aggregate.Sum(nil))
}
