package tables

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/har"
)

// Batch accumulates the rows of one run.
type Batch struct {
	Run      har.RunMeta
	Pages    []PageRow
	Requests []RequestRow

	extractor *Extractor
}

// NewBatch starts an empty batch for run.
func NewBatch(run har.RunMeta, extractor *Extractor) *Batch {
	if extractor == nil {
		extractor = NewExtractor()
	}
	return &Batch{Run: run, extractor: extractor}
}

// Add appends the row for rec.
func (b *Batch) Add(seq int, rec har.Record) error {
	switch r := rec.(type) {
	case har.PageSummary:
		b.Pages = append(b.Pages, b.extractor.ExtractPage(b.Run, r))
	case har.RequestRecord:
		row, err := b.extractor.ExtractRequest(seq, r)
		if err != nil {
			return err
		}
		b.Requests = append(b.Requests, row)
	default:
		return fmt.Errorf("unsupported record kind %q", rec.Kind())
	}
	return nil
}

// Len returns the number of rows held.
func (b *Batch) Len() int {
	return len(b.Pages) + len(b.Requests)
}

// ToParquet encodes each non-empty table. It returns the encoded bytes and
// the row count per table name.
func (b *Batch) ToParquet(cfg ParquetConfig) (map[string][]byte, map[string]int64, error) {
	data := make(map[string][]byte)
	rows := make(map[string]int64)

	opts := writerOptions(cfg)

	if len(b.Pages) > 0 {
		var buf bytes.Buffer
		if err := parquet.Write(&buf, b.Pages, opts...); err != nil {
			return nil, nil, fmt.Errorf("write %s: %w", PageRow{}.TableName(), err)
		}
		data[PageRow{}.TableName()] = buf.Bytes()
		rows[PageRow{}.TableName()] = int64(len(b.Pages))
	}

	if len(b.Requests) > 0 {
		var buf bytes.Buffer
		if err := parquet.Write(&buf, b.Requests, opts...); err != nil {
			return nil, nil, fmt.Errorf("write %s: %w", RequestRow{}.TableName(), err)
		}
		data[RequestRow{}.TableName()] = buf.Bytes()
		rows[RequestRow{}.TableName()] = int64(len(b.Requests))
	}

	return data, rows, nil
}

func writerOptions(cfg ParquetConfig) []parquet.WriterOption {
	switch cfg.Compression {
	case "snappy":
		return []parquet.WriterOption{parquet.Compression(&parquet.Snappy)}
	case "none":
		return []parquet.WriterOption{parquet.Compression(&parquet.Uncompressed)}
	default:
		return []parquet.WriterOption{parquet.Compression(&parquet.Zstd)}
	}
}
