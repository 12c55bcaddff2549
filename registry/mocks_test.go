package registry

import (
	"errors"

	"github.com/go-redis/redis/v8"
)

var (
	errTrainingTimeout = errors.New("training did not finish")
	errEndpointGone    = errors.New("endpoint disappeared")
)

type memoryStore struct {
	failingGet     bool
	failingSet     bool
	failingLock    bool
	failingRelease bool

	data       map[string][]byte
	setKeys    []string
	lockedKeys []string
	released   []string
	closed     bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: map[string][]byte{}}
}

func (s *memoryStore) Get(key string) ([]byte, error) {
	if s.failingGet {
		return nil, errors.New("get failed")
	}
	body, ok := s.data[key]
	if !ok {
		return nil, redis.Nil
	}
	return body, nil
}

func (s *memoryStore) Set(key string, value []byte) error {
	if s.failingSet {
		return errors.New("set failed")
	}
	s.setKeys = append(s.setKeys, key)
	s.data[key] = value
	return nil
}

func (s *memoryStore) Lock(key string) (ReleaseLock, error) {
	if s.failingLock {
		return nil, errors.New("lock failed")
	}
	s.lockedKeys = append(s.lockedKeys, key)
	return func() error {
		if s.failingRelease {
			return errors.New("release failed")
		}
		s.released = append(s.released, key)
		return nil
	}, nil
}

func (s *memoryStore) Close() error {
	s.closed = true
	return nil
}
