// Package trace is a compact binary log of the stores a guest performs.
//
// Every record has the same size so readers can index by position:
//   - 2 bytes kind (0 = invalid, 1 = store, 2 = halt)
//   - 2 bytes access size in bytes
//   - 4 bytes guest address
//   - 4 bytes EIP of the instruction
//   - 4 bytes stored value
//   - 8 bytes step number
//
// Appends reserve their slot by atomically advancing the log offset, so a
// Log may be shared between goroutines.
package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// RecordSize is the encoded size of one Record.
const RecordSize = 24

type Kind uint16

const (
	KindInvalid Kind = iota
	KindStore
	KindHalt
)

func (k Kind) String() string {
	switch k {
	case KindStore:
		return "store"
	case KindHalt:
		return "halt"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

// Record is one traced event. Halt records carry the address of the hlt
// instruction in both Addr and EIP and a zero Size.
type Record struct {
	Kind  Kind
	Size  uint16
	Addr  uint32
	EIP   uint32
	Value uint32
	Step  uint64
}

// End returns the first address past the stored bytes.
func (r Record) End() uint64 {
	return uint64(r.Addr) + uint64(r.Size)
}

func (r Record) String() string {
	if r.Kind == KindHalt {
		return fmt.Sprintf("#%d halt eip=%#x", r.Step, r.EIP)
	}
	return fmt.Sprintf("#%d eip=%#x %s [%#x]/%d = %#x", r.Step, r.EIP, r.Kind, r.Addr, r.Size, r.Value)
}

func (r Record) encode(buf *[RecordSize]byte) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(r.Kind))
	binary.LittleEndian.PutUint16(buf[2:4], r.Size)
	binary.LittleEndian.PutUint32(buf[4:8], r.Addr)
	binary.LittleEndian.PutUint32(buf[8:12], r.EIP)
	binary.LittleEndian.PutUint32(buf[12:16], r.Value)
	binary.LittleEndian.PutUint64(buf[16:24], r.Step)
}

func decode(buf *[RecordSize]byte) (Record, error) {
	r := Record{
		Kind:  Kind(binary.LittleEndian.Uint16(buf[0:2])),
		Size:  binary.LittleEndian.Uint16(buf[2:4]),
		Addr:  binary.LittleEndian.Uint32(buf[4:8]),
		EIP:   binary.LittleEndian.Uint32(buf[8:12]),
		Value: binary.LittleEndian.Uint32(buf[12:16]),
		Step:  binary.LittleEndian.Uint64(buf[16:24]),
	}
	if r.Kind == KindInvalid || r.Kind > KindHalt {
		return Record{}, fmt.Errorf("trace: invalid record kind %d", r.Kind)
	}
	return r, nil
}

type Writer interface {
	io.WriterAt
	io.Closer
}

// Log appends records to a Writer.
type Log struct {
	w      Writer
	offset atomic.Int64
}

func New(w Writer) *Log {
	return &Log{w: w}
}

// OpenFile truncates filename and logs into it.
func OpenFile(filename string) (*Log, error) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return New(f), nil
}

// Append writes r at the next free slot.
func (l *Log) Append(r Record) error {
	var buf [RecordSize]byte
	r.encode(&buf)
	off := l.offset.Add(RecordSize) - RecordSize
	if _, err := l.w.WriteAt(buf[:], off); err != nil {
		return fmt.Errorf("trace: write record at %d: %w", off, err)
	}
	return nil
}

// Len returns the number of records appended so far.
func (l *Log) Len() int {
	return int(l.offset.Load() / RecordSize)
}

func (l *Log) Close() error {
	return l.w.Close()
}

type write struct {
	off  int64
	data []byte
}

// Memory is an in-memory Writer. Writes may arrive out of order; Reader
// compiles them into a contiguous buffer.
type Memory struct {
	data    sync.Map
	maxSize atomic.Int64
}

func NewMemory() *Memory {
	return &Memory{}
}

func (b *Memory) WriteAt(p []byte, off int64) (int, error) {
	b.data.Store(off, write{
		off:  off,
		data: append([]byte{}, p...),
	})
	val := b.maxSize.Load()
	for val < int64(len(p))+off {
		if b.maxSize.CompareAndSwap(val, int64(len(p))+off) {
			break
		}
		val = b.maxSize.Load()
	}
	return len(p), nil
}

func (b *Memory) Close() error {
	return nil
}

// Bytes returns the log contents.
func (b *Memory) Bytes() []byte {
	data := make([]byte, b.maxSize.Load())
	b.data.Range(func(key, value any) bool {
		w := value.(write)
		copy(data[w.off:], w.data)
		return true
	})
	return data
}

type compiledBuffer []byte

func (b compiledBuffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Reader returns a Reader over the records written so far.
func (b *Memory) Reader() (*Reader, error) {
	data := b.Bytes()
	return NewReader(compiledBuffer(data), int64(len(data)))
}
