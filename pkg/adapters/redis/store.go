package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/aretw0/lattice/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by the adapters.
const DefaultPrefix = "lattice:"

// Store implements ports.LinkStore with one Redis hash holding every
// definition, keyed by its link key.
type Store struct {
	client backend.UniversalClient
	prefix string
}

// Option configures the Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New connects to addr and returns a Store.
func New(addr string, opts ...Option) *Store {
	return NewFromClient(backend.NewClient(&backend.Options{Addr: addr}), opts...)
}

// NewFromClient wraps an existing client.
func NewFromClient(client backend.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) hashKey() string {
	return s.prefix + "links"
}

func (s *Store) Put(ctx context.Context, def domain.LinkDefinition) error {
	def = def.Normalized()
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode link: %w", err)
	}
	if err := s.client.HSet(ctx, s.hashKey(), def.Key().String(), data).Err(); err != nil {
		return fmt.Errorf("failed to store link %s: %w", def.Key(), err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key domain.LinkKey) (domain.LinkDefinition, error) {
	key.LinkName = domain.NormalizeLinkName(key.LinkName)
	data, err := s.client.HGet(ctx, s.hashKey(), key.String()).Bytes()
	if errors.Is(err, backend.Nil) {
		return domain.LinkDefinition{}, fmt.Errorf("%w: link %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return domain.LinkDefinition{}, fmt.Errorf("failed to load link %s: %w", key, err)
	}
	var def domain.LinkDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return domain.LinkDefinition{}, fmt.Errorf("failed to decode link %s: %w", key, err)
	}
	return def, nil
}

func (s *Store) Delete(ctx context.Context, key domain.LinkKey) error {
	key.LinkName = domain.NormalizeLinkName(key.LinkName)
	if err := s.client.HDel(ctx, s.hashKey(), key.String()).Err(); err != nil {
		return fmt.Errorf("failed to delete link %s: %w", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]domain.LinkDefinition, error) {
	all, err := s.client.HGetAll(ctx, s.hashKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]domain.LinkDefinition, 0, len(all))
	for _, k := range keys {
		var def domain.LinkDefinition
		if err := json.Unmarshal([]byte(all[k]), &def); err != nil {
			return nil, fmt.Errorf("failed to decode link %s: %w", k, err)
		}
		out = append(out, def)
	}
	return out, nil
}
