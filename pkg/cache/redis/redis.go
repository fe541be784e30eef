// Package redis implements the cache.Provider contract on top of a Redis
// server via rueidis. Entries are stored as JSON with a server-side expiry
// at their absolute lifetime; freshness and staleness decisions stay with
// the caller. Tag and namespace membership is tracked in Redis sets so
// invalidation works without scanning the keyspace.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"query-cache/pkg/cache"

	"github.com/redis/rueidis"
)

type Store struct {
	client rueidis.Client
	config Config
}

var _ cache.Provider = (*Store)(nil)

type Config struct {
	// Addr is the Redis server address for single node or sentinel mode.
	// For cluster mode, use ClusterAddrs instead.
	Addr string
	// ClusterAddrs is a list of Redis cluster node addresses.
	// If set, cluster mode is enabled automatically.
	ClusterAddrs []string
	Username     string
	Password     string
	// DB is the Redis database number. Cluster mode only supports DB 0.
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// Sentinel configuration for high availability.
	SentinelMasterSet string
	SentinelAddrs     []string
	SentinelUsername  string
	SentinelPassword  string
}

func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		DB:           0,
		KeyPrefix:    "qc:",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// ClusterConfig returns a configuration for Redis Cluster mode.
func ClusterConfig(clusterAddrs []string, password string) Config {
	config := DefaultConfig()
	config.ClusterAddrs = clusterAddrs
	config.Password = password
	config.Addr = ""
	config.DB = 0
	return config
}

// SentinelConfig returns a configuration for Redis Sentinel mode.
// masterSet is the name of the master set to connect to.
func SentinelConfig(sentinelAddrs []string, masterSet, password string) Config {
	config := DefaultConfig()
	config.SentinelAddrs = sentinelAddrs
	config.SentinelMasterSet = masterSet
	config.Password = password
	config.Addr = ""
	return config
}

func New(config Config) (*Store, error) {
	var initAddress []string
	switch {
	case len(config.ClusterAddrs) > 0:
		initAddress = config.ClusterAddrs
	case len(config.SentinelAddrs) > 0:
		initAddress = config.SentinelAddrs
	case config.Addr != "":
		initAddress = []string{config.Addr}
	default:
		return nil, fmt.Errorf("redis: no addresses configured (set Addr, ClusterAddrs, or SentinelAddrs)")
	}

	clientOpts := rueidis.ClientOption{
		InitAddress:      initAddress,
		Username:         config.Username,
		Password:         config.Password,
		SelectDB:         config.DB,
		ConnWriteTimeout: config.WriteTimeout,
		MaxFlushDelay:    100 * time.Microsecond,
	}
	if len(config.SentinelAddrs) > 0 {
		clientOpts.Sentinel = rueidis.SentinelOption{
			MasterSet: config.SentinelMasterSet,
			Username:  config.SentinelUsername,
			Password:  config.SentinelPassword,
		}
	}

	client, err := rueidis.NewClient(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("redis: failed to create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", err)
	}

	return &Store{client: client, config: config}, nil
}

func (s *Store) entryKey(key string) string {
	return s.config.KeyPrefix + key
}

func (s *Store) namespaceKey(namespace string) string {
	return s.config.KeyPrefix + "ns:" + namespace
}

func (s *Store) tagKey(namespace, tag string) string {
	return s.config.KeyPrefix + "tag:" + namespace + ":" + tag
}

// tagCatalogKey tracks which tag sets exist for a namespace, so a
// namespace clear can remove them without a keyspace scan.
func (s *Store) tagCatalogKey(namespace string) string {
	return s.config.KeyPrefix + "tagsets:" + namespace
}

func (s *Store) Get(ctx context.Context, key string) (*cache.Entry, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(s.entryKey(key)).Build())
	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, false, nil
		}
		return nil, false, cache.WrapProviderError("get", key, err)
	}

	data, err := resp.AsBytes()
	if err != nil {
		return nil, false, cache.WrapProviderError("get", key, err)
	}

	var entry cache.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, cache.WrapProviderError("get", key, fmt.Errorf("decode entry: %w", err))
	}
	return &entry, true, nil
}

func (s *Store) Set(ctx context.Context, key string, entry *cache.Entry) error {
	if entry == nil {
		return cache.WrapProviderError("set", key, cache.ErrInvalidEntry)
	}
	lifetime := entry.Lifetime()
	if lifetime <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return cache.WrapProviderError("set", key, fmt.Errorf("encode entry: %w", err))
	}

	full := s.entryKey(key)
	cmds := make([]rueidis.Completed, 0, 2+2*len(entry.Tags))
	cmds = append(cmds,
		s.client.B().Set().Key(full).Value(string(data)).Px(lifetime).Build(),
		s.client.B().Sadd().Key(s.namespaceKey(entry.Namespace)).Member(full).Build(),
	)
	for _, tag := range entry.Tags {
		tagSet := s.tagKey(entry.Namespace, tag)
		cmds = append(cmds,
			s.client.B().Sadd().Key(tagSet).Member(full).Build(),
			s.client.B().Sadd().Key(s.tagCatalogKey(entry.Namespace)).Member(tagSet).Build(),
		)
	}

	var errs []error
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return cache.WrapProviderError("set", key, errors.Join(errs...))
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	cmd := s.client.B().Del().Key(s.entryKey(key)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return cache.WrapProviderError("delete", key, err)
	}
	return nil
}

func (s *Store) DeleteByTag(ctx context.Context, namespace, tag string) error {
	tagSet := s.tagKey(namespace, tag)
	members, err := s.members(ctx, tagSet)
	if err != nil {
		return cache.WrapProviderError("delete_by_tag", tag, err)
	}

	// Members are full entry keys; deleting an already-expired one is a no-op.
	targets := append(members, tagSet)
	cmd := s.client.B().Del().Key(targets...).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return cache.WrapProviderError("delete_by_tag", tag, err)
	}
	return nil
}

func (s *Store) ClearNamespace(ctx context.Context, namespace string) error {
	nsSet := s.namespaceKey(namespace)
	entries, err := s.members(ctx, nsSet)
	if err != nil {
		return cache.WrapProviderError("clear_namespace", namespace, err)
	}
	tagSets, err := s.members(ctx, s.tagCatalogKey(namespace))
	if err != nil {
		return cache.WrapProviderError("clear_namespace", namespace, err)
	}

	targets := make([]string, 0, len(entries)+len(tagSets)+2)
	targets = append(targets, entries...)
	targets = append(targets, tagSets...)
	targets = append(targets, nsSet, s.tagCatalogKey(namespace))

	cmd := s.client.B().Del().Key(targets...).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return cache.WrapProviderError("clear_namespace", namespace, err)
	}
	return nil
}

func (s *Store) members(ctx context.Context, setKey string) ([]string, error) {
	resp := s.client.Do(ctx, s.client.B().Smembers().Key(setKey).Build())
	if err := resp.Error(); err != nil {
		return nil, err
	}
	return resp.AsStrSlice()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// FlushDB removes everything in the selected database. Test helper.
func (s *Store) FlushDB(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Flushdb().Build()).Error(); err != nil {
		return fmt.Errorf("redis flushdb: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.client.Close()
	return nil
}
