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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/neptunomedical/vigia/config"
	"github.com/neptunomedical/vigia/internal/apierror"
	"github.com/neptunomedical/vigia/internal/browser"
	"github.com/neptunomedical/vigia/model"
)

const defaultResultsTableSelector = "table"

// RecordExtractor runs a document search on an authenticated tab and reads
// the results grid.
type RecordExtractor struct {
	portal *config.PortalConfig
	timing config.LookupTiming
	sleep  func(context.Context, time.Duration) error
}

func NewRecordExtractor(portal *config.PortalConfig, timing config.LookupTiming) *RecordExtractor {
	return &RecordExtractor{portal: portal, timing: timing, sleep: sleepCtx}
}

// Extract searches documentID and picks the row whose patient is fullName
// with an active status. The error return is reserved for transport
// failures and cancellation; everything else is an Outcome.
func (e *RecordExtractor) Extract(ctx context.Context, page browser.Page, documentID, fullName string) (model.Outcome, error) {
	ctx, span := tracer.Start(ctx, "RecordExtractor.Extract")
	defer span.End()
	span.SetAttributes(attribute.Int64("insurer.id", e.portal.InsurerID))

	outcome, err := e.extract(ctx, page, documentID, fullName)
	if err != nil {
		span.RecordError(err)
		return outcome, err
	}
	span.SetAttributes(attribute.String("lookup.outcome", string(outcome.Kind)))
	return outcome, nil
}

// abort separates errors the caller must see from ones that become an
// ExtractionError outcome.
func abort(ctx context.Context, err error) bool {
	return apierror.IsRetryable(err) || ctx.Err() != nil
}

func (e *RecordExtractor) extract(ctx context.Context, page browser.Page, documentID, fullName string) (model.Outcome, error) {
	logger := logrus.WithFields(logrus.Fields{"insurer_id": e.portal.InsurerID, "document_id": documentID})

	if err := e.submitSearch(ctx, page, documentID); err != nil {
		if abort(ctx, err) {
			return model.Outcome{}, err
		}
		logger.WithError(err).Warn("search form not usable")
		return model.ExtractionError(err.Error()), nil
	}

	if err := page.WaitLoad(ctx); err != nil {
		if abort(ctx, err) {
			return model.Outcome{}, err
		}
		logger.WithError(err).Debug("results page load signal not received")
	}
	if err := e.sleep(ctx, e.timing.SettleDelay()); err != nil {
		return model.Outcome{}, err
	}

	tableSelector := e.portal.ResultsTableSelector
	if tableSelector == "" {
		tableSelector = defaultResultsTableSelector
	}
	table, err := page.WaitElement(ctx, tableSelector, e.timing.TableTimeout())
	if err != nil {
		if abort(ctx, err) {
			return model.Outcome{}, err
		}
		return e.missingTable(ctx, page, err)
	}

	tableHTML, err := table.HTML()
	if err != nil {
		if abort(ctx, err) {
			return model.Outcome{}, err
		}
		return model.ExtractionError(fmt.Sprintf("reading results table: %v", err)), nil
	}
	columns, err := resolveColumns(tableHTML, e.portal.Columns)
	if err != nil {
		logger.WithError(err).Warn("results table headers do not match")
		return model.ExtractionError(err.Error()), nil
	}

	rows, err := table.Elements(e.portal.ResultRowSelector)
	if err != nil {
		if abort(ctx, err) {
			return model.Outcome{}, err
		}
		return model.ExtractionError(fmt.Sprintf("listing result rows: %v", err)), nil
	}

	var (
		inactive   *model.Outcome
		candidates []string
	)
	for i, row := range rows {
		rowHTML, err := row.HTML()
		if err != nil {
			if abort(ctx, err) {
				return model.Outcome{}, err
			}
			logger.WithError(err).WithField("row", i).Warn("skipping unreadable result row")
			continue
		}
		cells, err := rowCells(rowHTML)
		if err != nil {
			logger.WithError(err).WithField("row", i).Warn("skipping unparsable result row")
			continue
		}
		if len(cells) == 0 {
			continue
		}
		if len(cells) <= columns.max() {
			logger.WithFields(logrus.Fields{"row": i, "cells": len(cells)}).Debug("skipping short result row")
			continue
		}

		patient := model.NormalizeName(cells[columns.patient])
		candidates = append(candidates, patient)
		if patient != fullName {
			continue
		}

		status := strings.TrimSpace(cells[columns.status])
		if isActiveStatus(status, e.portal.ActiveKeywords) {
			return model.Found(cells[columns.policy], cells[columns.dependent], status), nil
		}
		if inactive == nil {
			o := model.InactiveStatus(status)
			inactive = &o
		}
		logger.WithFields(logrus.Fields{"row": i, "status": status}).Info("name matched with a non active status")
	}

	if inactive != nil {
		return *inactive, nil
	}

	if best, dist := closestName(fullName, candidates); dist >= 0 {
		logger.WithFields(logrus.Fields{"closest": best, "distance": dist, "rows": len(candidates)}).
			Info("no row matched the client name")
	}
	return model.NotFound(), nil
}

func (e *RecordExtractor) submitSearch(ctx context.Context, page browser.Page, documentID string) error {
	if e.portal.SearchFieldSelector == "" || e.portal.SearchSubmitSelector == "" {
		return errors.New("search selectors are not configured")
	}
	field, err := findElement(ctx, page, e.portal.SearchFieldSelector, e.timing)
	if err != nil {
		return err
	}
	if err := field.Fill(documentID); err != nil {
		return err
	}
	submit, err := findElement(ctx, page, e.portal.SearchSubmitSelector, e.timing)
	if err != nil {
		return err
	}
	return submit.Click()
}

// missingTable tells an empty search from a page that did not render.
func (e *RecordExtractor) missingTable(ctx context.Context, page browser.Page, cause error) (model.Outcome, error) {
	if e.portal.NoResultsText != "" {
		body, err := page.BodyText(ctx)
		if err != nil && abort(ctx, err) {
			return model.Outcome{}, err
		}
		if err == nil && strings.Contains(strings.ToUpper(body), strings.ToUpper(e.portal.NoResultsText)) {
			return model.NotFound(), nil
		}
	}
	return model.ExtractionError(fmt.Sprintf("results table not found: %v", cause)), nil
}
