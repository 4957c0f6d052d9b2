package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStorage stores checkpoints in a JetStream key-value bucket under
// keys of the form "<runID>.<key>". Every call is bounded by its ctx.
type NATSStorage struct {
	nc   *nats.Conn
	kv   jetstream.KeyValue
	owns bool
}

// OpenNATS connects to url and binds (or creates) bucket.
func OpenNATS(ctx context.Context, url, bucket string) (*NATSStorage, error) {
	nc, err := nats.Connect(url, nats.Name("npsd-checkpoints"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	s, err := NewNATSStorage(ctx, nc, bucket)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.owns = true
	return s, nil
}

// NewNATSStorage uses an existing connection. Close leaves nc open.
func NewNATSStorage(ctx context.Context, nc *nats.Conn, bucket string) (*NATSStorage, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "npsd phase checkpoints",
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind kv bucket %s: %w", bucket, err)
	}
	return &NATSStorage{nc: nc, kv: kv}, nil
}

func natsKey(runID, key string) string {
	return runID + "." + key
}

func (s *NATSStorage) Put(ctx context.Context, runID, key string, data []byte) error {
	if _, err := s.kv.Put(ctx, natsKey(runID, key), data); err != nil {
		return fmt.Errorf("kv put %s/%s: %w", runID, key, err)
	}
	return nil
}

func (s *NATSStorage) Get(ctx context.Context, runID, key string) ([]byte, error) {
	entry, err := s.kv.Get(ctx, natsKey(runID, key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s/%s: %w", runID, key, err)
	}
	return entry.Value(), nil
}

func (s *NATSStorage) Delete(ctx context.Context, runID string) error {
	keys, err := s.List(ctx, runID)
	if err != nil {
		return err
	}
	var errs []error
	for _, k := range keys {
		if err := s.kv.Purge(ctx, natsKey(runID, k)); err != nil {
			errs = append(errs, fmt.Errorf("kv purge %s/%s: %w", runID, k, err))
		}
	}
	return errors.Join(errs...)
}

func (s *NATSStorage) List(ctx context.Context, runID string) ([]string, error) {
	all, err := s.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv keys: %w", err)
	}
	prefix := runID + "."
	var keys []string
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, strings.TrimPrefix(k, prefix))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *NATSStorage) Close() error {
	if s.owns {
		s.nc.Close()
	}
	return nil
}
