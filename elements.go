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

package vigia

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/neptunomedical/vigia/config"
	"github.com/neptunomedical/vigia/internal/apierror"
	"github.com/neptunomedical/vigia/internal/browser"
)

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// findElement waits for selector, reloading the page between attempts. It
// gives up after timing.ElementAttempts attempts. Transport failures and
// caller cancellation stop the retries at once.
func findElement(ctx context.Context, page browser.Page, selector string, timing config.LookupTiming) (browser.Element, error) {
	attempts := timing.ElementAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		el        browser.Element
		reloadErr error
	)
	op := func() error {
		if reloadErr != nil {
			return backoff.Permanent(reloadErr)
		}
		found, err := page.WaitElement(ctx, selector, timing.ElementTimeout())
		if err != nil {
			if apierror.IsRetryable(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		el = found
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logrus.WithFields(logrus.Fields{"selector": selector, "pause": wait}).
			WithError(err).Warn("element not ready, reloading page")
		if rerr := page.Reload(ctx); rerr != nil && (apierror.IsRetryable(rerr) || ctx.Err() != nil) {
			reloadErr = rerr
		}
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(timing.ReloadPause()), uint64(attempts-1)),
		ctx,
	)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return el, nil
}

// urlMatches is a case-insensitive substring test. An empty pattern never matches.
func urlMatches(url, pattern string) bool {
	if pattern == "" {
		return false
	}
	return strings.Contains(strings.ToLower(url), strings.ToLower(pattern))
}
