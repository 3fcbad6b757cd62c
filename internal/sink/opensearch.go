package sink

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"
)

// OpenSearchSink indexes records with the bulk API. Documents use the event
// id as _id, so re-delivered runs overwrite instead of duplicating.
type OpenSearchSink struct {
	client *opensearch.Client
	index  string

	mu      sync.Mutex
	pending []Event
}

// NewOpenSearchSink creates a client for cfg.
func NewOpenSearchSink(cfg OpenSearchConfig) (*OpenSearchSink, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("opensearch addresses required")
	}
	if cfg.Index == "" {
		cfg.Index = "synthetics-har"
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.TLSSkipVerify,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	return &OpenSearchSink{client: client, index: cfg.Index}, nil
}

// indexDoc is the stored document: the record plus its routing fields.
type indexDoc struct {
	Kind       string `json:"kind"`
	SourceType string `json:"sourcetype"`
	TestID     int64  `json:"test_id"`
	Location   string `json:"location"`
	RunTime    int64  `json:"run_time"`
	Record     any    `json:"record"`
}

// Emit implements Sink.
func (s *OpenSearchSink) Emit(ctx context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, evt)
	return nil
}

// Flush implements Sink. Any item failure fails the flush.
func (s *OpenSearchSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client: s.client,
		Index:  s.index,
	})
	if err != nil {
		return fmt.Errorf("create bulk indexer: %w", err)
	}

	var (
		failMu   sync.Mutex
		failures []error
	)
	onFailure := func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
		failMu.Lock()
		defer failMu.Unlock()
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", item.DocumentID, err))
		} else {
			failures = append(failures, fmt.Errorf("%s: %s: %s", item.DocumentID, res.Error.Type, res.Error.Reason))
		}
	}

	for _, evt := range pending {
		data, err := json.Marshal(indexDoc{
			Kind:       string(evt.Record.Kind()),
			SourceType: SourceType,
			TestID:     evt.Run.TestID,
			Location:   evt.Run.Location,
			RunTime:    evt.Run.RunTime,
			Record:     evt.Record,
		})
		if err != nil {
			bi.Close(ctx)
			return fmt.Errorf("marshal record: %w", err)
		}

		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: evt.ID(),
			Body:       bytes.NewReader(data),
			OnFailure:  onFailure,
		})
		if err != nil {
			bi.Close(ctx)
			return fmt.Errorf("add to bulk indexer: %w", err)
		}
	}

	if err := bi.Close(ctx); err != nil {
		return fmt.Errorf("bulk indexer close: %w", err)
	}

	if len(failures) > 0 {
		return fmt.Errorf("%d of %d documents failed: %w", len(failures), len(pending), errors.Join(failures...))
	}
	return nil
}

// Close implements Sink.
func (s *OpenSearchSink) Close() error {
	return s.Flush(context.Background())
}
