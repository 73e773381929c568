package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"github.com/jimlambrt/ldap-fallback-proxy/internal/fingerprint"
	"github.com/jimlambrt/ldap-fallback-proxy/internal/metrics"
)

// formatVersion is the 1-byte tag prefixed to every value this backend
// writes, so a future format change can be detected and rejected instead
// of misparsed.
const formatVersion byte = 1

// Redis is the external key-value cache backend. Keys are
// prefix + hex(fingerprint); values are formatVersion followed by a
// framed concatenation of the cached PDUs. An optional TTL applies per
// key; ttl == 0 means the key persists until replaced.
//
// Network failures never surface to a session as an error: a failed Get
// is a cache miss, a failed Put is a silent no-op, matching spec §4.5 --
// the fallback path must not itself become a new source of failure while
// the upstream path is functioning.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger hclog.Logger
}

// NewRedis builds a Redis backend around an already-configured client.
func NewRedis(client *redis.Client, keyPrefix string, ttl time.Duration, logger hclog.Logger) *Redis {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Redis{client: client, prefix: keyPrefix, ttl: ttl, logger: logger.Named("cache.redis")}
}

func (r *Redis) key(fp fingerprint.Fingerprint) string {
	return r.prefix + fp.String()
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, fp fingerprint.Fingerprint) (*CachedResponse, bool) {
	data, err := r.client.Get(ctx, r.key(fp)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("get failed, treating as cache miss", "err", err)
		}
		metrics.CacheMisses.WithLabelValues("redis").Inc()
		return nil, false
	}
	resp, err := decodeCachedResponse(data)
	if err != nil {
		r.logger.Warn("stored value could not be decoded, treating as cache miss", "err", err)
		metrics.CacheMisses.WithLabelValues("redis").Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues("redis").Inc()
	return resp, true
}

// Put implements Cache.
func (r *Redis) Put(ctx context.Context, fp fingerprint.Fingerprint, resp *CachedResponse) {
	if err := r.client.Set(ctx, r.key(fp), encodeCachedResponse(resp), r.ttl).Err(); err != nil {
		r.logger.Warn("put failed, cache write dropped", "err", err)
		return
	}
	metrics.CachePuts.WithLabelValues("redis").Inc()
}

func encodeCachedResponse(r *CachedResponse) []byte {
	buf := make([]byte, 0, r.ByteCost()+9)
	buf = append(buf, formatVersion)
	buf = appendFrameList(buf, r.Entries)
	buf = appendFrameList(buf, r.References)
	buf = appendFrame(buf, r.Done)
	return buf
}

func appendFrameList(buf []byte, frames [][]byte) []byte {
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(frames)))
	buf = append(buf, countBuf[:]...)
	for _, f := range frames {
		buf = appendFrame(buf, f)
	}
	return buf
}

func appendFrame(buf []byte, frame []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, frame...)
}

func decodeCachedResponse(data []byte) (*CachedResponse, error) {
	const op = "cache.decodeCachedResponse"
	if len(data) < 1 {
		return nil, fmt.Errorf("%s: empty value", op)
	}
	if data[0] != formatVersion {
		return nil, fmt.Errorf("%s: unsupported format version %d", op, data[0])
	}
	rest := data[1:]

	entries, rest, err := readFrameList(rest)
	if err != nil {
		return nil, fmt.Errorf("%s: entries: %w", op, err)
	}
	references, rest, err := readFrameList(rest)
	if err != nil {
		return nil, fmt.Errorf("%s: references: %w", op, err)
	}
	done, _, err := readFrame(rest)
	if err != nil {
		return nil, fmt.Errorf("%s: done: %w", op, err)
	}
	return &CachedResponse{Entries: entries, References: references, Done: done}, nil
}

func readFrameList(data []byte) ([][]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("truncated frame count")
	}
	count := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	frames := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		var f []byte
		var err error
		f, data, err = readFrame(data)
		if err != nil {
			return nil, nil, err
		}
		frames = append(frames, f)
	}
	return frames, data, nil
}

func readFrame(data []byte) ([]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("truncated frame length")
	}
	length := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < length {
		return nil, nil, fmt.Errorf("truncated frame body")
	}
	return data[:length], data[length:], nil
}

var _ Cache = (*Redis)(nil)
