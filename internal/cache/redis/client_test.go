package redis

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/perpops/internal/domain"
)

func TestKeyUsesPrefix(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = rdb.Close() })

	c := NewFromClient(rdb, "perpops:staging:")
	assert.Equal(t, "perpops:staging:lock:migrate", c.Key("lock", "migrate"))
	assert.Equal(t, "perpops:staging:stream:ch:rewards", c.Key("stream", domain.ChannelRewards))

	bare := NewFromClient(rdb, "")
	assert.Equal(t, "price:ETH", bare.Key("price", "ETH"))
}
