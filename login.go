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
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/neptunomedical/vigia/config"
	"github.com/neptunomedical/vigia/internal/apierror"
	"github.com/neptunomedical/vigia/internal/browser"
)

// LoginMachine drives a tab through the portal's redirect based login until
// it lands on an authenticated page.
type LoginMachine struct {
	portal *config.PortalConfig
	login  config.LoginTiming
	lookup config.LookupTiming

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	state SessionState
	polls int
}

func NewLoginMachine(portal *config.PortalConfig, login config.LoginTiming, lookup config.LookupTiming) *LoginMachine {
	return &LoginMachine{
		portal: portal,
		login:  login,
		lookup: lookup,
		now:    time.Now,
		sleep:  sleepCtx,
		state:  StateUnauthenticated,
	}
}

func (m *LoginMachine) State() SessionState {
	return m.state
}

// Polls is the number of URL polls made by the last Run.
func (m *LoginMachine) Polls() int {
	return m.polls
}

// Run logs in on page. It returns StateAuthenticated, or StateLoginFailed
// together with an error. Transport failures are returned as they are so the
// caller can recreate the browser. A login that has started runs to the end
// of its poll budget even if ctx is cancelled.
func (m *LoginMachine) Run(ctx context.Context, page browser.Page) (SessionState, error) {
	ctx, span := otel.Tracer("vigia.login").Start(context.WithoutCancel(ctx), "LoginMachine.Run")
	defer span.End()
	span.SetAttributes(attribute.Int64("insurer.id", m.portal.InsurerID))

	m.state = StateUnauthenticated
	m.polls = 0

	state, err := m.run(ctx, page)
	if err != nil {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.String("login.state", string(state)), attribute.Int("login.polls", m.polls))
	return state, err
}

func (m *LoginMachine) logger() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"insurer_id": m.portal.InsurerID, "portal": m.portal.Name})
}

func (m *LoginMachine) fail(cause error, format string, args ...interface{}) (SessionState, error) {
	m.state = StateLoginFailed
	if apierror.IsRetryable(cause) {
		return m.state, cause
	}
	return m.state, apierror.NewAPIError(apierror.ErrSession, fmt.Sprintf(format, args...), cause)
}

func (m *LoginMachine) run(ctx context.Context, page browser.Page) (SessionState, error) {
	logger := m.logger()

	if err := page.Navigate(ctx, m.portal.LoginURL); err != nil {
		return m.fail(err, "navigating to login page")
	}
	if err := m.submitCredentials(ctx, page); err != nil {
		return m.fail(err, "submitting credentials")
	}
	m.state = StateCredentialsSubmitted
	logger.Info("credentials submitted")

	var (
		bounces        int
		challengeSince time.Time
	)
	for m.polls < m.login.PollAttempts {
		if err := m.sleep(ctx, m.login.PollInterval()); err != nil {
			return m.fail(err, "login interrupted")
		}
		m.polls++

		url, err := page.URL(ctx)
		if err != nil {
			if apierror.IsRetryable(err) {
				return m.fail(err, "reading page url")
			}
			logger.WithError(err).Warn("could not read page url")
			continue
		}

		switch {
		case urlMatches(url, m.portal.IntermediatePattern):
			m.state = StateIntermediateChallenge
			now := m.now()
			if challengeSince.IsZero() {
				challengeSince = now
			}
			if now.Sub(challengeSince) >= m.login.IntermediateTimeout() {
				logger.WithField("poll", m.polls).Warn("stuck on intermediate page, reloading")
				if err := page.Reload(ctx); err != nil && apierror.IsRetryable(err) {
					return m.fail(err, "reloading intermediate page")
				}
				challengeSince = m.now()
				continue
			}
			clicked, err := m.clickChallenge(ctx, page)
			if err != nil {
				return m.fail(err, "answering intermediate page")
			}
			if clicked {
				challengeSince = m.now()
			}

		case urlMatches(url, m.portal.BouncePattern) && bounces < m.login.BounceRetries:
			bounces++
			logger.WithFields(logrus.Fields{"poll": m.polls, "bounce": bounces}).Warn("bounced back to login, resubmitting")
			if err := m.submitCredentials(ctx, page); err != nil {
				if apierror.IsRetryable(err) {
					return m.fail(err, "resubmitting credentials")
				}
				logger.WithError(err).Warn("resubmitting credentials failed")
			}
			m.state = StateCredentialsSubmitted
			challengeSince = time.Time{}

		case urlMatches(url, m.portal.LandingPattern):
			m.state = StateAuthenticated
			logger.WithField("polls", m.polls).Info("portal login succeeded")
			if err := m.ensureSearchPage(ctx, page); err != nil {
				return m.fail(err, "opening search page")
			}
			return m.state, nil
		}
	}

	return m.fail(nil, "login did not reach %q after %d polls", m.portal.LandingPattern, m.polls)
}

func (m *LoginMachine) submitCredentials(ctx context.Context, page browser.Page) error {
	for _, field := range m.portal.CredentialFields {
		el, err := findElement(ctx, page, field.Selector, m.lookup)
		if err != nil {
			return err
		}
		if err := el.Fill(field.Value); err != nil {
			return err
		}
	}
	submit, err := findElement(ctx, page, m.portal.SubmitSelector, m.lookup)
	if err != nil {
		return err
	}
	return submit.Click()
}

// clickChallenge clicks the first enabled and visible challenge control.
func (m *LoginMachine) clickChallenge(ctx context.Context, page browser.Page) (bool, error) {
	candidates, err := page.Elements(ctx, m.portal.ChallengeSelector)
	if err != nil {
		if apierror.IsRetryable(err) {
			return false, err
		}
		return false, nil
	}
	for _, el := range candidates {
		visible, err := el.Visible()
		if err != nil {
			if apierror.IsRetryable(err) {
				return false, err
			}
			continue
		}
		enabled, err := el.Enabled()
		if err != nil {
			if apierror.IsRetryable(err) {
				return false, err
			}
			continue
		}
		if !visible || !enabled {
			continue
		}
		if err := el.Click(); err != nil {
			if apierror.IsRetryable(err) {
				return false, err
			}
			continue
		}
		return true, nil
	}
	return false, nil
}

// ensureSearchPage moves an authenticated tab onto the search page. Not
// reaching it is logged and left to the extractor.
func (m *LoginMachine) ensureSearchPage(ctx context.Context, page browser.Page) error {
	if m.portal.SearchPagePattern == "" {
		return nil
	}
	logger := m.logger()

	onSearchPage := func() (bool, error) {
		url, err := page.URL(ctx)
		if err != nil {
			if apierror.IsRetryable(err) {
				return false, err
			}
			return false, nil
		}
		return urlMatches(url, m.portal.SearchPagePattern), nil
	}

	steps := []func() error{
		func() error { return m.navigateToSearch(ctx, page) },
		func() error { return m.followSearchLink(ctx, page) },
		func() error {
			if err := page.Reload(ctx); err != nil {
				return err
			}
			return m.navigateToSearch(ctx, page)
		},
	}

	for i := 0; ; i++ {
		ok, err := onSearchPage()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if i == len(steps) {
			break
		}
		if err := steps[i](); err != nil {
			if apierror.IsRetryable(err) {
				return err
			}
			logger.WithError(err).WithField("step", i+1).Warn("search page step failed")
		}
	}

	logger.Warn("authenticated but still outside the search page, continuing degraded")
	return nil
}

func (m *LoginMachine) navigateToSearch(ctx context.Context, page browser.Page) error {
	if m.portal.SearchPageURL == "" {
		return nil
	}
	if err := page.Navigate(ctx, m.portal.SearchPageURL); err != nil {
		return err
	}
	return page.WaitLoad(ctx)
}

func (m *LoginMachine) followSearchLink(ctx context.Context, page browser.Page) error {
	if len(m.portal.SearchLinkHints) == 0 {
		return nil
	}
	links, err := page.Elements(ctx, "a")
	if err != nil {
		return err
	}
	for _, link := range links {
		text, err := link.Text()
		if err != nil {
			if apierror.IsRetryable(err) {
				return err
			}
			continue
		}
		href, _, err := link.Attribute("href")
		if err != nil && apierror.IsRetryable(err) {
			return err
		}
		haystack := strings.ToLower(text + " " + href)
		for _, hint := range m.portal.SearchLinkHints {
			if hint != "" && strings.Contains(haystack, strings.ToLower(hint)) {
				if err := link.Click(); err != nil {
					return err
				}
				return page.WaitLoad(ctx)
			}
		}
	}
	return nil
}
