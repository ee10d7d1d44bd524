package trace

import (
	"fmt"
	"io"
	"os"
)

// SearchOptions filters records. Zero values match everything.
type SearchOptions struct {
	Kinds []Kind

	// FirstStep and LastStep bound the step number, inclusive. LastStep zero
	// means no upper bound.
	FirstStep uint64
	LastStep  uint64

	// Outside selects stores that touch any byte outside [Low, High).
	Outside   bool
	Low, High uint64
}

func (o SearchOptions) match(r Record) bool {
	if len(o.Kinds) > 0 {
		found := false
		for _, k := range o.Kinds {
			if r.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.Step < o.FirstStep {
		return false
	}
	if o.LastStep != 0 && r.Step > o.LastStep {
		return false
	}
	if o.Outside {
		if r.Kind != KindStore {
			return false
		}
		if uint64(r.Addr) >= o.Low && r.End() <= o.High {
			return false
		}
	}
	return true
}

// Reader reads fixed-size records in the order they were appended.
type Reader struct {
	r io.ReaderAt
	n int
}

// NewReader reads size bytes of records from r.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	if size%RecordSize != 0 {
		return nil, fmt.Errorf("trace: size %d is not a multiple of %d", size, RecordSize)
	}
	return &Reader{r: r, n: int(size / RecordSize)}, nil
}

func NewReaderFromFile(filename string) (*Reader, io.Closer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	r, err := NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}

// Len returns the number of records.
func (r *Reader) Len() int {
	return r.n
}

// At decodes record i.
func (r *Reader) At(i int) (Record, error) {
	if i < 0 || i >= r.n {
		return Record{}, fmt.Errorf("trace: record %d out of range [0, %d)", i, r.n)
	}
	var buf [RecordSize]byte
	if _, err := r.r.ReadAt(buf[:], int64(i)*RecordSize); err != nil {
		return Record{}, fmt.Errorf("trace: read record %d: %w", i, err)
	}
	return decode(&buf)
}

// Each calls fn for every record in append order.
func (r *Reader) Each(fn func(Record) error) error {
	return r.Search(SearchOptions{}, fn)
}

// Search calls fn for every record matching opts, in append order.
func (r *Reader) Search(opts SearchOptions, fn func(Record) error) error {
	for i := 0; i < r.n; i++ {
		rec, err := r.At(i)
		if err != nil {
			return err
		}
		if !opts.match(rec) {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of records matching opts.
func (r *Reader) Count(opts SearchOptions) (int, error) {
	count := 0
	err := r.Search(opts, func(Record) error {
		count++
		return nil
	})
	return count, err
}

// Records decodes every record matching opts.
func (r *Reader) Records(opts SearchOptions) ([]Record, error) {
	var out []Record
	err := r.Search(opts, func(rec Record) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}
