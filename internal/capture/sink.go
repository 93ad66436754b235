package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/jittakal/kaftraffic/internal/errors"
	"github.com/jittakal/kaftraffic/internal/kafka"
	"github.com/jittakal/kaftraffic/internal/wire"
)

// KafkaRetirer publishes each closed record to a topic, keyed by connection
// id so that all records of a connection land on one partition in order.
type KafkaRetirer struct {
	publisher kafka.RecordPublisher
	topic     string
}

// NewKafkaRetirer creates a retirer producing to topic.
func NewKafkaRetirer(publisher kafka.RecordPublisher, topic string) *KafkaRetirer {
	return &KafkaRetirer{publisher: publisher, topic: topic}
}

// Retire publishes the record and returns where it landed.
func (r *KafkaRetirer) Retire(ctx context.Context, record Retired) (kafka.Delivery, error) {
	return r.publisher.Publish(ctx, r.topic, record.ConnectionID, record.Data, nil)
}

// FileRetirer appends length-delimited records to a file.
type FileRetirer struct {
	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	offset int64
	closed bool
}

// NewFileRetirer opens path for appending, creating it if needed.
func NewFileRetirer(path string) (*FileRetirer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &errors.StorageError{Operation: "create", Path: path, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, &errors.StorageError{Operation: "stat", Path: path, Err: err}
	}
	return &FileRetirer{file: f, w: bufio.NewWriter(f), offset: info.Size()}, nil
}

// Retire appends the record and returns the byte offset it starts at. The
// record is flushed to the file before Retire returns.
func (r *FileRetirer) Retire(_ context.Context, record Retired) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, errors.ErrWriterClosed
	}
	start := r.offset
	frame := protowire.AppendVarint(nil, uint64(len(record.Data)))
	if _, err := r.w.Write(frame); err != nil {
		return 0, &errors.StorageError{Operation: "write", Path: r.file.Name(), Err: err}
	}
	if _, err := r.w.Write(record.Data); err != nil {
		return 0, &errors.StorageError{Operation: "write", Path: r.file.Name(), Err: err}
	}
	if err := r.w.Flush(); err != nil {
		return 0, &errors.StorageError{Operation: "write", Path: r.file.Name(), Err: err}
	}
	r.offset += int64(len(frame) + len(record.Data))
	return start, nil
}

// Close flushes and closes the file.
func (r *FileRetirer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.w.Flush(); err != nil {
		_ = r.file.Close()
		return err
	}
	return r.file.Close()
}

// MaxDelimitedRecordBytes bounds a single record read back by ReadDelimited.
const MaxDelimitedRecordBytes = 64 << 20

// ReadDelimited calls fn for every length-delimited record in rd, stopping
// at the first error fn returns. A length above MaxDelimitedRecordBytes or
// a record cut short fails with ErrCorruptRecord.
func ReadDelimited(rd io.Reader, fn func(record []byte) error) error {
	br := bufio.NewReader(rd)
	for {
		n, err := binary.ReadUvarint(br)
		if stderrors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: reading record length: %v", errors.ErrCorruptRecord, err)
		}
		if n > MaxDelimitedRecordBytes {
			return fmt.Errorf("%w: record length %d exceeds %d bytes", errors.ErrCorruptRecord, n, MaxDelimitedRecordBytes)
		}
		record, err := io.ReadAll(io.LimitReader(br, int64(n)))
		if err != nil {
			return fmt.Errorf("reading record of %d bytes: %w", n, err)
		}
		if uint64(len(record)) != n {
			return fmt.Errorf("%w: record of %d bytes truncated to %d", errors.ErrCorruptRecord, n, len(record))
		}
		if err := fn(record); err != nil {
			return err
		}
	}
}

// Forward retires every record of a capture file read from rd, in file
// order, and returns how many were retired. Each record is decoded first
// so that it can be keyed by its connection.
func Forward[T any](ctx context.Context, rd io.Reader, retirer Retirer[T]) (int, error) {
	count := 0
	err := ReadDelimited(rd, func(data []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := wire.Unmarshal(data)
		if err != nil {
			return fmt.Errorf("record %d: %w", count, err)
		}
		if _, err := retirer.Retire(ctx, Retired{ConnectionID: rec.ConnectionID, Index: rec.Index, Data: data}); err != nil {
			return fmt.Errorf("retiring record %d of %s: %w", count, rec.ConnectionID, err)
		}
		count++
		return nil
	})
	return count, err
}
