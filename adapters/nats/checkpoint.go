package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/evstore-go/ports/checkpoint"
)

type CheckpointConfig struct {
	// Connect opens the NATS connection. ConnectDefault() when nil.
	Connect Connector
	Bucket  string
}

// CheckpointStore persists catch-up subscription positions in a JetStream KV
// bucket, so a restarted process resumes where it left off.
type CheckpointStore struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
}

var _ checkpoint.Store = (*CheckpointStore)(nil)

func NewCheckpointStore(cfg CheckpointConfig) (*CheckpointStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}

	nc, closeNc, err := connFn()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	kv, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		Storage:  jetstream.FileStorage,
		MaxBytes: 1024 * 1024,
	})
	if err != nil {
		closeNc()
		return nil, err
	}

	return &CheckpointStore{kv: kv, closeNc: closeNc}, nil
}

func (s *CheckpointStore) Get(ctx context.Context, key string) (uint64, error) {
	v, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return 0, checkpoint.ErrNotFound
		}
		return 0, fmt.Errorf("get checkpoint %s: %w", key, err)
	}

	n, err := strconv.ParseUint(string(v.Value()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("checkpoint %s holds %q: %w", key, v.Value(), err)
	}
	return n, nil
}

func (s *CheckpointStore) Set(ctx context.Context, key string, value uint64) error {
	_, err := s.kv.Put(ctx, key, []byte(strconv.FormatUint(value, 10)))
	if err != nil {
		return fmt.Errorf("set checkpoint %s: %w", key, err)
	}
	return nil
}

func (s *CheckpointStore) Close() error {
	s.closeNc()
	return nil
}
