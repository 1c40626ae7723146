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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/neptunomedical/vigia/internal/apierror"
	"github.com/neptunomedical/vigia/model"
)

const (
	selectInvoiceClient = `
		SELECT id_factura_cliente, id_factura, id_aseguradora, num_doc_identidad,
			primer_nombre, segundo_nombre, primer_apellido, segundo_apellido,
			num_poliza, num_dependiente, error, estado, created_at, updated_at
		FROM factura_cliente
		WHERE id_factura = $1 AND id_aseguradora = $2
		LIMIT 1`

	updateInvoiceClientFound = `
		UPDATE factura_cliente
		SET num_poliza = $3, num_dependiente = $4, error = NULL, updated_at = NOW()
		WHERE id_factura = $1 AND id_aseguradora = $2`

	updateInvoiceClientError = `
		UPDATE factura_cliente
		SET error = $3, updated_at = NOW()
		WHERE id_factura = $1 AND id_aseguradora = $2`

	insertInvoiceClient = `
		INSERT INTO factura_cliente (id_factura_cliente, id_factura, id_aseguradora, num_doc_identidad,
			primer_nombre, segundo_nombre, primer_apellido, segundo_apellido,
			num_poliza, num_dependiente, estado, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, NOW(), NOW())`
)

var tracer = otel.Tracer("vigia.database")

// GetInvoiceClient returns the billing row for the pair, active or not, or a
// NOT_FOUND APIError when there is none.
func (d Datasource) GetInvoiceClient(ctx context.Context, invoiceID, insurerID int64) (*model.InvoiceClient, error) {
	ctx, span := tracer.Start(ctx, "GetInvoiceClient")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, selectInvoiceClient, invoiceID, insurerID)
	ic := &model.InvoiceClient{}
	var estado int
	err := row.Scan(
		&ic.ID, &ic.InvoiceID, &ic.InsurerID, &ic.DocumentID,
		&ic.FirstName, &ic.SecondName, &ic.FirstSurname, &ic.SecondSurname,
		&ic.PolicyNumber, &ic.DependentNumber, &ic.Error, &estado, &ic.CreatedAt, &ic.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("invoice client %d/%d not found", invoiceID, insurerID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrPersistence, "Failed to retrieve invoice client", err)
	}
	ic.Active = estado == 1
	return ic, nil
}

// UpsertInvoiceClient stores the outcome of a lookup against the
// (InvoiceID, InsurerID) row. At most one mutating statement runs per call
// and repeating a call leaves the same final state.
func (d Datasource) UpsertInvoiceClient(ctx context.Context, req model.LookupRequest, outcome model.Outcome) (model.UpsertResult, error) {
	ctx, span := tracer.Start(ctx, "UpsertInvoiceClient")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("invoice.id", req.InvoiceID),
		attribute.Int64("insurer.id", req.InsurerID),
		attribute.String("outcome", string(outcome.Kind)),
	)

	exists, err := d.invoiceClientExists(ctx, req.InvoiceID, req.InsurerID)
	if err != nil {
		span.RecordError(err)
		return "", apierror.NewAPIError(apierror.ErrPersistence, "Failed to check invoice client", err)
	}

	logger := logrus.WithFields(logrus.Fields{
		"invoice_id": req.InvoiceID,
		"insurer_id": req.InsurerID,
		"outcome":    outcome.Kind,
	})

	switch {
	case exists && outcome.IsFound():
		_, err = d.Conn.ExecContext(ctx, updateInvoiceClientFound, req.InvoiceID, req.InsurerID, outcome.PolicyNumber, outcome.DependentNumber)
		if err != nil {
			span.RecordError(err)
			return "", apierror.NewAPIError(apierror.ErrPersistence, "Failed to update invoice client", err)
		}
		logger.Info("invoice client updated with policy")
		return model.UpsertUpdated, nil

	case exists:
		_, err = d.Conn.ExecContext(ctx, updateInvoiceClientError, req.InvoiceID, req.InsurerID, outcome.Reason())
		if err != nil {
			span.RecordError(err)
			return "", apierror.NewAPIError(apierror.ErrPersistence, "Failed to record lookup error", err)
		}
		logger.Info("invoice client error recorded")
		return model.UpsertErrorRecorded, nil

	case outcome.IsFound():
		_, err = d.Conn.ExecContext(ctx, insertInvoiceClient,
			uuid.NewString(), req.InvoiceID, req.InsurerID, req.DocumentID,
			req.FirstName, req.SecondName, req.FirstSurname, req.SecondSurname,
			outcome.PolicyNumber, outcome.DependentNumber,
		)
		if err != nil {
			span.RecordError(err)
			return "", apierror.NewAPIError(apierror.ErrPersistence, "Failed to insert invoice client", err)
		}
		logger.Info("invoice client inserted")
		return model.UpsertInserted, nil

	default:
		logger.Warn("no invoice client row and lookup failed, nothing to store")
		return model.UpsertSkipped, nil
	}
}

func (d Datasource) invoiceClientExists(ctx context.Context, invoiceID, insurerID int64) (bool, error) {
	var id string
	err := d.Conn.QueryRowContext(ctx, `
		SELECT id_factura_cliente FROM factura_cliente
		WHERE id_factura = $1 AND id_aseguradora = $2
		LIMIT 1`, invoiceID, insurerID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
