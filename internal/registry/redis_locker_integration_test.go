//go:build integration

package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

type RedisLockerSuite struct {
	suite.Suite
	container *tcredis.RedisContainer
	locker    *RedisLocker
}

func TestRedisLockerSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisLockerSuite))
}

func (s *RedisLockerSuite) SetupSuite() {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(s.T(), container)
	s.Require().NoError(err)
	s.container = container

	addr, err := container.ConnectionString(ctx)
	s.Require().NoError(err)
	client, err := NewRedisClient(ctx, addr)
	s.Require().NoError(err)
	s.locker = NewRedisLocker(client, time.Second)
}

func (s *RedisLockerSuite) TestMutualExclusion() {
	ctx := context.Background()
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := s.locker.Lock(ctx, "op:1")
			if err != nil {
				return
			}
			v := counter
			time.Sleep(time.Millisecond)
			counter = v + 1
			unlock()
		}()
	}
	wg.Wait()
	s.Equal(20, counter)
}

func (s *RedisLockerSuite) TestWaitsForContext() {
	unlock, err := s.locker.Lock(context.Background(), "op:2")
	s.Require().NoError(err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.locker.Lock(ctx, "op:2")
	s.ErrorIs(err, context.DeadlineExceeded)
}

func (s *RedisLockerSuite) TestLeaseExpires() {
	_, err := s.locker.Lock(context.Background(), "op:3")
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	unlock, err := s.locker.Lock(ctx, "op:3")
	require.NoError(s.T(), err)
	unlock()
}
