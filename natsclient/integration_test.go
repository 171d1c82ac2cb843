//go:build integration

package natsclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/devblac/sport-tracker-sub010/errors"
)

type ClientIntegrationSuite struct {
	suite.Suite
	srv *TestServer
}

func TestClientIntegrationSuite(t *testing.T) {
	suite.Run(t, new(ClientIntegrationSuite))
}

func (s *ClientIntegrationSuite) SetupSuite() {
	s.srv = NewTestServer(s.T())
}

func (s *ClientIntegrationSuite) TestPublishSubscribe() {
	ctx := context.Background()
	c := s.srv.Client

	var mu sync.Mutex
	var got []string
	sub, err := c.Subscribe("changes.sets.*", func(msg *nats.Msg) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(msg.Data))
	}, nil)
	s.Require().NoError(err)
	s.Require().NoError(c.Flush(ctx))

	s.Require().NoError(c.Publish(ctx, "changes.sets.INSERT", []byte("a")))
	s.Require().NoError(c.Publish(ctx, "changes.sets.DELETE", []byte("b")))

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	s.NoError(c.Unsubscribe(sub))
	s.Equal(0, c.GetStatus().Subscriptions)
}

func (s *ClientIntegrationSuite) TestBucketRoundTrip() {
	ctx := context.Background()
	b, err := s.srv.Bucket(ctx, "models")
	s.Require().NoError(err)
	s.Equal("models", b.Name())

	_, _, err = b.Get(ctx, "missing")
	s.ErrorIs(err, errors.ErrKeyNotFound)
	s.True(errors.IsInvalid(err))

	rev, err := b.Put(ctx, "routes./workout", []byte(`{"next":{}}`))
	s.Require().NoError(err)
	s.Positive(rev)
	_, err = b.Put(ctx, "routes./progress", []byte(`{}`))
	s.Require().NoError(err)

	value, gotRev, err := b.Get(ctx, "routes./workout")
	s.Require().NoError(err)
	s.Equal(`{"next":{}}`, string(value))
	s.Equal(rev, gotRev)

	keys, err := b.Keys(ctx, "routes.")
	s.Require().NoError(err)
	s.Equal([]string{"routes./progress", "routes./workout"}, keys)

	s.Require().NoError(b.Delete(ctx, "routes./workout"))
	s.NoError(b.Delete(ctx, "routes./workout"), "deleting twice is fine")
	_, _, err = b.Get(ctx, "routes./workout")
	s.ErrorIs(err, errors.ErrKeyNotFound)
}

func TestBucket_RejectsOversizeValue(t *testing.T) {
	srv := NewTestServer(t)
	b, err := srv.Bucket(context.Background(), "small", WithMaxValueSize(4))
	require.NoError(t, err)

	_, err = b.Put(context.Background(), "k", []byte("too large"))
	assert.ErrorIs(t, err, errors.ErrInvalidData)
	assert.True(t, errors.IsInvalid(err))
}
