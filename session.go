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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/neptunomedical/vigia/config"
	"github.com/neptunomedical/vigia/internal/browser"
	redlock "github.com/neptunomedical/vigia/internal/lock"
)

// SessionState is the position of a portal session in the login protocol.
type SessionState string

const (
	StateUnauthenticated       SessionState = "UNAUTHENTICATED"
	StateCredentialsSubmitted  SessionState = "CREDENTIALS_SUBMITTED"
	StateIntermediateChallenge SessionState = "INTERMEDIATE_CHALLENGE"
	StateAuthenticated         SessionState = "AUTHENTICATED"
	StateLoginFailed           SessionState = "LOGIN_FAILED"
)

// Session is an authenticated tab on one insurer's portal.
type Session struct {
	ID            string
	InsurerID     int64
	State         SessionState
	EstablishedAt time.Time

	portal *config.PortalConfig
	page   browser.Page
	lease  *redlock.Locker
}

// Usable reports whether the session can serve a request for insurerID at now.
func (s *Session) Usable(insurerID int64, now time.Time, ttl time.Duration) bool {
	if s == nil || s.State != StateAuthenticated || s.InsurerID != insurerID {
		return false
	}
	return ttl <= 0 || now.Sub(s.EstablishedAt) < ttl
}

// close releases the tab and the lease. Errors are logged, the session is
// unusable afterwards either way.
func (s *Session) close(ctx context.Context) {
	if s == nil {
		return
	}
	logger := logrus.WithFields(logrus.Fields{"session_id": s.ID, "insurer_id": s.InsurerID})
	if s.page != nil {
		if err := s.page.Close(); err != nil {
			logger.WithError(err).Warn("closing session tab")
		}
		s.page = nil
	}
	if s.lease != nil {
		if err := s.lease.Unlock(ctx); err != nil {
			logger.WithError(err).Warn("releasing session lease")
		}
		s.lease = nil
	}
	s.State = StateUnauthenticated
}
