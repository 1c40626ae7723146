package redis_db

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected *redis.Options
		wantErr  bool
	}{
		{
			name:     "simple docker style",
			url:      "redis:6379",
			expected: &redis.Options{Addr: "redis:6379"},
		},
		{
			name:     "redis url with password",
			url:      "redis://:password123@localhost:6379",
			expected: &redis.Options{Addr: "localhost:6379", Password: "password123"},
		},
		{
			name:     "password without username",
			url:      "redis://password123@localhost:6379",
			expected: &redis.Options{Addr: "localhost:6379", Password: "password123"},
		},
		{
			name:    "empty",
			url:     " ",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRedisURL(tt.url, false)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expected.Addr, got.Addr)
			assert.Equal(t, tt.expected.Password, got.Password)
		})
	}
}

func TestParseRedisURLSkipsTLSVerify(t *testing.T) {
	got, err := ParseRedisURL("rediss://:secret@cache.example.com:6380", true)
	require.NoError(t, err)
	require.NotNil(t, got.TLSConfig)
	assert.True(t, got.TLSConfig.InsecureSkipVerify)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(mr.Addr(), false)
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Client().Set(ctx, "test_key", "test_value", time.Minute).Err())
	got, err := client.Client().Get(ctx, "test_key").Result()
	assert.NoError(t, err)
	assert.Equal(t, "test_value", got)
}

func TestNewRedisClientUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewRedisClient(addr, false)
	assert.Error(t, err)
}
