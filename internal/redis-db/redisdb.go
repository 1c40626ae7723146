/*
Copyright 2024 Vigia Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package redis_db

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const pingTimeout = 2 * time.Second

// Redis wraps the client shared by the lookup cache, the session lease and
// the health check.
type Redis struct {
	dns    string
	client redis.UniversalClient
}

// ParseRedisURL accepts either a bare host:port or a redis:// / rediss:// URL.
// A password given without a username is accepted as redis://secret@host.
func ParseRedisURL(rawURL string, skipTLSVerify bool) (*redis.Options, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("redis address cannot be empty")
	}

	// docker-style addresses (e.g. redis:6379)
	if !strings.Contains(rawURL, "//") && !strings.Contains(rawURL, "@") {
		return &redis.Options{Addr: rawURL}, nil
	}

	for _, scheme := range []string{"redis://", "rediss://"} {
		if !strings.HasPrefix(rawURL, scheme) {
			continue
		}
		rest := strings.TrimPrefix(rawURL, scheme)
		if auth, host, ok := strings.Cut(rest, "@"); ok && !strings.Contains(auth, ":") {
			rawURL = scheme + ":" + auth + "@" + host
		}
	}

	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	if opts.TLSConfig != nil && skipTLSVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return opts, nil
}

// NewRedisClient connects to a single Redis instance and pings it.
func NewRedisClient(dns string, skipTLSVerify bool) (*Redis, error) {
	opts, err := ParseRedisURL(dns, skipTLSVerify)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return &Redis{dns: dns, client: client}, nil
}

// Client returns the Redis universal client.
func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

func (r *Redis) Close() error {
	return r.client.Close()
}
