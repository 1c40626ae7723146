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
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/neptunomedical/vigia/config"
	"github.com/neptunomedical/vigia/database"
	"github.com/neptunomedical/vigia/internal/apierror"
	"github.com/neptunomedical/vigia/internal/browser"
	"github.com/neptunomedical/vigia/internal/cache"
	redlock "github.com/neptunomedical/vigia/internal/lock"
	"github.com/neptunomedical/vigia/internal/notification"
	redis_db "github.com/neptunomedical/vigia/internal/redis-db"
	"github.com/neptunomedical/vigia/model"
)

var tracer = otel.Tracer("vigia.worker")

// Publisher delivers the per batch validation message downstream.
type Publisher interface {
	PublishValidation(ctx context.Context, msg model.ValidationMessage) error
}

// DriverFactory starts a browser. The worker calls it on Open and whenever
// the browser has to be recreated after a transport failure.
type DriverFactory func(ctx context.Context) (browser.Driver, error)

// LookupWorker resolves lookup requests one at a time on a single portal
// session. It owns the browser, the session and the lookup cache.
type LookupWorker struct {
	conf       *config.Configuration
	datasource database.IDataSource
	cache      cache.LookupCache
	redis      redis.UniversalClient
	publisher  Publisher
	newDriver  DriverFactory

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	driver  browser.Driver
	session *Session

	portalsMu sync.Mutex
	portals   map[int64]*config.PortalConfig
}

type WorkerOption func(*LookupWorker)

func WithPublisher(p Publisher) WorkerOption {
	return func(w *LookupWorker) { w.publisher = p }
}

func WithDriverFactory(f DriverFactory) WorkerOption {
	return func(w *LookupWorker) { w.newDriver = f }
}

// WithRedis shares a redis client for the session lease and the redis cache.
func WithRedis(client redis.UniversalClient) WorkerOption {
	return func(w *LookupWorker) { w.redis = client }
}

func WithCache(c cache.LookupCache) WorkerOption {
	return func(w *LookupWorker) { w.cache = c }
}

// NewLookupWorker builds a worker from the loaded configuration. The browser
// is not started until Open.
func NewLookupWorker(db database.IDataSource, opts ...WorkerOption) (*LookupWorker, error) {
	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	w := &LookupWorker{
		conf:       conf,
		datasource: db,
		now:        time.Now,
		sleep:      sleepCtx,
		portals:    make(map[int64]*config.PortalConfig),
	}
	for _, opt := range opts {
		opt(w)
	}

	needsRedis := conf.Session.Lease || (conf.Cache.Driver == config.CacheRedis && w.cache == nil)
	if w.redis == nil && needsRedis {
		client, err := redis_db.NewRedisClient(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
		if err != nil {
			return nil, err
		}
		w.redis = client.Client()
	}

	if w.cache == nil {
		w.cache, err = cache.New(conf.Cache, conf.Session.TTL(), w.redis)
		if err != nil {
			return nil, err
		}
	}

	if w.newDriver == nil {
		browserConf, navTimeout := conf.Browser, conf.Login.NavigationTimeout()
		w.newDriver = func(ctx context.Context) (browser.Driver, error) {
			return browser.NewRodDriver(ctx, browserConf, navTimeout)
		}
	}
	return w, nil
}

// Open starts the browser.
func (w *LookupWorker) Open(ctx context.Context) error {
	if w.driver != nil {
		return nil
	}
	driver, err := w.newDriver(ctx)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrTransport, "starting browser", err)
	}
	w.driver = driver
	return nil
}

// Close ends the session and stops the browser.
func (w *LookupWorker) Close(ctx context.Context) error {
	w.discardSession(ctx)
	if w.driver == nil {
		return nil
	}
	err := w.driver.Close()
	w.driver = nil
	return err
}

// Session returns the live session, or nil.
func (w *LookupWorker) Session() *Session {
	return w.session
}

// ProcessBatch resolves every client of batch in order and emits exactly one
// validation message. A client counts as succeeded when it was found and
// stored. Cancellation of ctx is checked between clients only: the client in
// progress is finished and the ones left over count as failed.
func (w *LookupWorker) ProcessBatch(ctx context.Context, batch *model.LookupBatch) (model.ValidationMessage, error) {
	ctx, span := tracer.Start(ctx, "LookupWorker.ProcessBatch")
	defer span.End()

	requests := batch.Requests()
	span.SetAttributes(
		attribute.Int64("insurer.id", batch.InsurerID.Int64()),
		attribute.Int("batch.size", len(requests)),
	)
	logger := logrus.WithFields(logrus.Fields{"insurer_id": batch.InsurerID.Int64(), "clients": len(requests)})
	logger.Info("processing lookup batch")

	var succeeded, failed int
	invoiceIDs := make([]int64, 0, len(requests))
	for i, req := range requests {
		invoiceIDs = append(invoiceIDs, req.InvoiceID)
		if ctx.Err() != nil {
			failed += len(requests) - i
			for _, rest := range requests[i+1:] {
				invoiceIDs = append(invoiceIDs, rest.InvoiceID)
			}
			logger.WithError(ctx.Err()).Warn("batch interrupted")
			break
		}

		outcome, err := w.Process(context.WithoutCancel(ctx), req)
		if err != nil || !outcome.IsFound() {
			failed++
			continue
		}
		succeeded++
	}

	msg := model.NewValidationMessage(w.insurerName(batch.InsurerID.Int64()), invoiceIDs, succeeded, failed, w.now())
	span.SetAttributes(attribute.String("batch.status", string(msg.Status)))
	logger.WithFields(logrus.Fields{
		"succeeded": succeeded,
		"failed":    failed,
		"status":    msg.Status,
	}).Info("lookup batch finished")

	notification.NotifyValidation(msg)

	if w.publisher == nil {
		return msg, nil
	}
	// The batch result is published even when the request context is gone.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := w.publisher.PublishValidation(pubCtx, msg); err != nil {
		span.RecordError(err)
		return msg, fmt.Errorf("publishing validation message: %w", err)
	}
	return msg, nil
}

// Process resolves one request and stores the outcome. A non nil error means
// the request failed without a data outcome (session, input, transport or
// persistence failure).
func (w *LookupWorker) Process(ctx context.Context, req model.LookupRequest) (model.Outcome, error) {
	ctx, span := tracer.Start(ctx, "LookupWorker.Process")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("insurer.id", req.InsurerID),
		attribute.Int64("invoice.id", req.InvoiceID),
	)

	outcome, err := w.process(ctx, req)
	if err != nil {
		span.RecordError(err)
		code, _ := apierror.CodeOf(err)
		logrus.WithFields(logrus.Fields{
			"invoice_id":  req.InvoiceID,
			"insurer_id":  req.InsurerID,
			"document_id": req.DocumentID,
			"code":        code,
		}).WithError(err).Error("lookup request failed")
		return outcome, err
	}
	span.SetAttributes(attribute.String("lookup.outcome", string(outcome.Kind)))
	return outcome, nil
}

func (w *LookupWorker) process(ctx context.Context, req model.LookupRequest) (model.Outcome, error) {
	logger := logrus.WithFields(logrus.Fields{
		"invoice_id":  req.InvoiceID,
		"insurer_id":  req.InsurerID,
		"document_id": req.DocumentID,
	})

	fullName := req.FullName()
	if fullName == "" {
		return model.Outcome{}, apierror.NewAPIError(apierror.ErrInvalidInput, "client has no name to match against", nil)
	}
	if req.DocumentID == "" {
		return model.Outcome{}, apierror.NewAPIError(apierror.ErrInvalidInput, "client has no document id", nil)
	}

	portal, err := w.resolvePortal(ctx, req.InsurerID)
	if err != nil {
		return model.Outcome{}, err
	}

	outcome, err := w.lookup(ctx, req, portal, fullName)
	for retry := 0; err != nil && apierror.IsRetryable(err) && retry < w.conf.Session.TransportRetries; retry++ {
		logger.WithError(err).Warn("browser transport failed, recreating session and retrying")
		if rerr := w.recreate(ctx); rerr != nil {
			return model.Outcome{}, rerr
		}
		outcome, err = w.lookup(ctx, req, portal, fullName)
	}
	if err != nil {
		return model.Outcome{}, err
	}

	result, err := w.datasource.UpsertInvoiceClient(ctx, req, outcome)
	if err != nil {
		return outcome, err
	}
	logger.WithFields(logrus.Fields{"outcome": outcome.Kind, "result": result}).Info("lookup stored")
	return outcome, nil
}

// lookup answers from the cache or runs the extractor on the session tab.
func (w *LookupWorker) lookup(ctx context.Context, req model.LookupRequest, portal *config.PortalConfig, fullName string) (model.Outcome, error) {
	session, err := w.ensureSession(ctx, portal)
	if err != nil {
		return model.Outcome{}, err
	}
	w.extendLease(ctx, session)

	if outcome, ok := w.cache.Get(ctx, req.DocumentID); ok {
		logrus.WithFields(logrus.Fields{"document_id": req.DocumentID, "outcome": outcome.Kind}).Debug("lookup cache hit")
		return outcome, nil
	}

	extractor := NewRecordExtractor(portal, w.conf.Lookup)
	extractor.sleep = w.sleep
	outcome, err := extractor.Extract(ctx, session.page, req.DocumentID, fullName)
	if err != nil {
		return model.Outcome{}, err
	}
	w.cache.Put(ctx, req.DocumentID, outcome)
	return outcome, nil
}

// ensureSession returns a usable session for portal, logging in when the
// current one is missing, expired or bound to another insurer. Any new
// session starts with an empty cache.
func (w *LookupWorker) ensureSession(ctx context.Context, portal *config.PortalConfig) (*Session, error) {
	ttl := w.conf.Session.TTL()
	if w.session.Usable(portal.InsurerID, w.now(), ttl) {
		return w.session, nil
	}

	if w.session != nil {
		logrus.WithFields(logrus.Fields{
			"session_id": w.session.ID,
			"from":       w.session.InsurerID,
			"to":         portal.InsurerID,
		}).Info("replacing portal session")
	}
	w.discardSession(ctx)

	if err := w.Open(ctx); err != nil {
		return nil, err
	}

	var lease *redlock.Locker
	if w.conf.Session.Lease && w.redis != nil {
		lease = redlock.NewSessionLease(w.redis, portal.InsurerID)
		wait := time.Duration(w.conf.Session.LeaseWaitSeconds) * time.Second
		if err := lease.WaitLock(ctx, ttl, wait); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrSession, "portal session is leased by another worker", err)
		}
	}

	page, err := w.driver.NewPage(ctx)
	if err != nil {
		releaseLease(ctx, lease)
		return nil, err
	}

	machine := NewLoginMachine(portal, w.conf.Login, w.conf.Lookup)
	machine.now = w.now
	machine.sleep = w.sleep
	state, err := machine.Run(ctx, page)
	if err != nil {
		if cerr := page.Close(); cerr != nil {
			logrus.WithError(cerr).Debug("closing failed login tab")
		}
		releaseLease(ctx, lease)
		if !apierror.IsRetryable(err) {
			notification.NotifyError(fmt.Errorf("login failed for %s (insurer %d): %w", portal.Name, portal.InsurerID, err))
		}
		return nil, err
	}

	w.session = &Session{
		ID:            uuid.NewString(),
		InsurerID:     portal.InsurerID,
		State:         state,
		EstablishedAt: w.now(),
		portal:        portal,
		page:          page,
		lease:         lease,
	}
	logrus.WithFields(logrus.Fields{
		"session_id": w.session.ID,
		"insurer_id": portal.InsurerID,
		"polls":      machine.Polls(),
	}).Info("portal session established")
	return w.session, nil
}

// discardSession drops the session together with its cache.
func (w *LookupWorker) discardSession(ctx context.Context) {
	if w.session != nil {
		w.session.close(ctx)
		w.session = nil
	}
	w.cache.Clear(ctx)
}

// recreate replaces the browser after a transport failure.
func (w *LookupWorker) recreate(ctx context.Context) error {
	w.discardSession(ctx)
	if w.driver != nil {
		if err := w.driver.Close(); err != nil {
			logrus.WithError(err).Warn("closing broken browser")
		}
		w.driver = nil
	}
	return w.Open(ctx)
}

func (w *LookupWorker) extendLease(ctx context.Context, s *Session) {
	if s.lease == nil {
		return
	}
	if err := s.lease.ExtendLock(ctx, w.conf.Session.TTL()); err != nil {
		logrus.WithError(err).WithField("key", s.lease.Key()).Warn("extending session lease")
	}
}

func releaseLease(ctx context.Context, lease *redlock.Locker) {
	if lease == nil {
		return
	}
	if err := lease.Unlock(ctx); err != nil {
		logrus.WithError(err).WithField("key", lease.Key()).Warn("releasing session lease")
	}
}

// resolvePortal returns the descriptor for an insurer. Login URL and search
// selectors missing from the configuration are read from the portal registry.
func (w *LookupWorker) resolvePortal(ctx context.Context, insurerID int64) (*config.PortalConfig, error) {
	w.portalsMu.Lock()
	p, ok := w.portals[insurerID]
	w.portalsMu.Unlock()
	if ok {
		return p, nil
	}

	configured, err := w.conf.Portal(insurerID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}
	portal := *configured

	if portal.LoginURL == "" || portal.SearchFieldSelector == "" || portal.SearchSubmitSelector == "" {
		if err := w.fillFromRegistry(ctx, &portal); err != nil {
			logrus.WithError(err).WithField("portal", portal.Name).Warn("portal registry lookup failed")
		}
	}
	if portal.LoginURL == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("portal %q has no login url", portal.Name), nil)
	}

	w.portalsMu.Lock()
	w.portals[insurerID] = &portal
	w.portalsMu.Unlock()
	return &portal, nil
}

// HandleNotification drops resolved portal descriptors when the portal
// registry changes so the next request reads it again. An empty table means
// the listener reconnected and may have missed changes.
func (w *LookupWorker) HandleNotification(table string, _ map[string]interface{}) error {
	switch table {
	case "", database.PortalRegistryTable, database.PortalFieldsTable:
		w.portalsMu.Lock()
		w.portals = make(map[int64]*config.PortalConfig)
		w.portalsMu.Unlock()
		logrus.WithField("table", table).Info("portal registry changed")
	}
	return nil
}

func (w *LookupWorker) fillFromRegistry(ctx context.Context, portal *config.PortalConfig) error {
	registered, err := w.datasource.GetPortalByName(ctx, portal.Name)
	if err != nil {
		return err
	}
	if portal.LoginURL == "" {
		portal.LoginURL = registered.LoginURL
	}
	if portal.SearchPageURL == "" {
		portal.SearchPageURL = registered.DestinationURL
	}

	fields, err := w.datasource.GetPortalFields(ctx, registered.ID)
	if err != nil {
		return err
	}
	input, submit := model.SearchSelectors(fields)
	if portal.SearchFieldSelector == "" {
		portal.SearchFieldSelector = input
	}
	if portal.SearchSubmitSelector == "" {
		portal.SearchSubmitSelector = submit
	}
	return nil
}

func (w *LookupWorker) insurerName(insurerID int64) string {
	if p, err := w.conf.Portal(insurerID); err == nil && p.Name != "" {
		return p.Name
	}
	return strconv.FormatInt(insurerID, 10)
}
