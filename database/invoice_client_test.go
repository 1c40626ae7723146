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
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/neptunomedical/vigia/internal/apierror"
	"github.com/neptunomedical/vigia/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const existsQuery = `SELECT id_factura_cliente FROM factura_cliente`

func lookupRequest() model.LookupRequest {
	return model.LookupRequest{
		InvoiceID:     1501,
		InsurerID:     7,
		DocumentID:    "0102158896",
		FirstName:     gofakeit.FirstName(),
		SecondName:    gofakeit.FirstName(),
		FirstSurname:  gofakeit.LastName(),
		SecondSurname: gofakeit.LastName(),
	}
}

func newMockDatasource(t *testing.T) (Datasource, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return Datasource{Conn: db}, mock
}

func TestUpsertInvoiceClient_FoundUpdatesExistingRow(t *testing.T) {
	ds, mock := newMockDatasource(t)
	req := lookupRequest()

	mock.ExpectQuery(existsQuery).
		WithArgs(req.InvoiceID, req.InsurerID).
		WillReturnRows(sqlmock.NewRows([]string{"id_factura_cliente"}).AddRow("fc_1"))
	mock.ExpectExec("UPDATE factura_cliente SET num_poliza").
		WithArgs(req.InvoiceID, req.InsurerID, "77224", "0").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := ds.UpsertInvoiceClient(context.Background(), req, model.Found("77224", "0", "Activo"))
	assert.NoError(t, err)
	assert.Equal(t, model.UpsertUpdated, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertInvoiceClient_FailureRecordsErrorOnExistingRow(t *testing.T) {
	ds, mock := newMockDatasource(t)
	req := lookupRequest()
	outcome := model.NotFound()

	mock.ExpectQuery(existsQuery).
		WithArgs(req.InvoiceID, req.InsurerID).
		WillReturnRows(sqlmock.NewRows([]string{"id_factura_cliente"}).AddRow("fc_1"))
	mock.ExpectExec("UPDATE factura_cliente SET error").
		WithArgs(req.InvoiceID, req.InsurerID, outcome.Reason()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := ds.UpsertInvoiceClient(context.Background(), req, outcome)
	assert.NoError(t, err)
	assert.Equal(t, model.UpsertErrorRecorded, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertInvoiceClient_FoundInsertsMissingRow(t *testing.T) {
	ds, mock := newMockDatasource(t)
	req := lookupRequest()

	mock.ExpectQuery(existsQuery).
		WithArgs(req.InvoiceID, req.InsurerID).
		WillReturnRows(sqlmock.NewRows([]string{"id_factura_cliente"}))
	mock.ExpectExec("INSERT INTO factura_cliente").
		WithArgs(sqlmock.AnyArg(), req.InvoiceID, req.InsurerID, req.DocumentID,
			req.FirstName, req.SecondName, req.FirstSurname, req.SecondSurname, "77224", "0").
		WillReturnResult(sqlmock.NewResult(1, 1))

	result, err := ds.UpsertInvoiceClient(context.Background(), req, model.Found("77224", "0", "Activo"))
	assert.NoError(t, err)
	assert.Equal(t, model.UpsertInserted, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertInvoiceClient_FailureWithoutRowIsSkipped(t *testing.T) {
	ds, mock := newMockDatasource(t)
	req := lookupRequest()

	for _, outcome := range []model.Outcome{model.NotFound(), model.InactiveStatus("Inactivo"), model.ExtractionError("tabla no encontrada")} {
		mock.ExpectQuery(existsQuery).
			WithArgs(req.InvoiceID, req.InsurerID).
			WillReturnRows(sqlmock.NewRows([]string{"id_factura_cliente"}))

		result, err := ds.UpsertInvoiceClient(context.Background(), req, outcome)
		assert.NoError(t, err)
		assert.Equal(t, model.UpsertSkipped, result)
	}
	// no write statement may run
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertInvoiceClient_RepeatedFoundIsIdempotent(t *testing.T) {
	ds, mock := newMockDatasource(t)
	req := lookupRequest()
	outcome := model.Found("77224", "0", "Activo")

	for i := 0; i < 2; i++ {
		mock.ExpectQuery(existsQuery).
			WithArgs(req.InvoiceID, req.InsurerID).
			WillReturnRows(sqlmock.NewRows([]string{"id_factura_cliente"}).AddRow("fc_1"))
		mock.ExpectExec("UPDATE factura_cliente SET num_poliza").
			WithArgs(req.InvoiceID, req.InsurerID, "77224", "0").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	first, err := ds.UpsertInvoiceClient(context.Background(), req, outcome)
	require.NoError(t, err)
	second, err := ds.UpsertInvoiceClient(context.Background(), req, outcome)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// pairKeyedMatcher matches like the default regexp matcher and also rejects
// any statement that filters factura_cliente on estado.
func pairKeyedMatcher() sqlmock.QueryMatcher {
	return sqlmock.QueryMatcherFunc(func(expectedSQL, actualSQL string) error {
		if strings.Contains(actualSQL, "estado =") {
			return fmt.Errorf("statement filters on estado: %s", actualSQL)
		}
		return sqlmock.QueryMatcherRegexp.Match(expectedSQL, actualSQL)
	})
}

func TestUpsertInvoiceClient_InactiveRowIsUpdatedNotDuplicated(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(pairKeyedMatcher()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ds := Datasource{Conn: db}
	req := lookupRequest()
	inactive := sqlmock.NewRows([]string{"id_factura_cliente"}).AddRow("fc_inactivo")

	mock.ExpectQuery(existsQuery).
		WithArgs(req.InvoiceID, req.InsurerID).
		WillReturnRows(inactive)
	mock.ExpectExec("UPDATE factura_cliente SET num_poliza").
		WithArgs(req.InvoiceID, req.InsurerID, "77224", "0").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := ds.UpsertInvoiceClient(context.Background(), req, model.Found("77224", "0", "Activo"))
	require.NoError(t, err)
	assert.Equal(t, model.UpsertUpdated, result)

	outcome := model.InactiveStatus("Inactivo")
	mock.ExpectQuery(existsQuery).
		WithArgs(req.InvoiceID, req.InsurerID).
		WillReturnRows(sqlmock.NewRows([]string{"id_factura_cliente"}).AddRow("fc_inactivo"))
	mock.ExpectExec("UPDATE factura_cliente SET error").
		WithArgs(req.InvoiceID, req.InsurerID, outcome.Reason()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err = ds.UpsertInvoiceClient(context.Background(), req, outcome)
	require.NoError(t, err)
	assert.Equal(t, model.UpsertErrorRecorded, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetInvoiceClient_InactiveRow(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(pairKeyedMatcher()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ds := Datasource{Conn: db}
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id_factura_cliente", "id_factura", "id_aseguradora", "num_doc_identidad",
		"primer_nombre", "segundo_nombre", "primer_apellido", "segundo_apellido",
		"num_poliza", "num_dependiente", "error", "estado", "created_at", "updated_at"}).
		AddRow("fc_2", 1502, 7, "0102158896", "ANA", "", "LOPEZ", "", nil, nil, nil, 0, now, now)
	mock.ExpectQuery("SELECT id_factura_cliente, id_factura").
		WithArgs(int64(1502), int64(7)).
		WillReturnRows(rows)

	ic, err := ds.GetInvoiceClient(context.Background(), 1502, 7)
	require.NoError(t, err)
	assert.False(t, ic.Active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertInvoiceClient_ExistenceCheckFails(t *testing.T) {
	ds, mock := newMockDatasource(t)
	req := lookupRequest()

	mock.ExpectQuery(existsQuery).
		WithArgs(req.InvoiceID, req.InsurerID).
		WillReturnError(errors.New("connection reset"))

	_, err := ds.UpsertInvoiceClient(context.Background(), req, model.Found("1", "0", "Activo"))
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrPersistence))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertInvoiceClient_WriteFails(t *testing.T) {
	ds, mock := newMockDatasource(t)
	req := lookupRequest()

	mock.ExpectQuery(existsQuery).
		WithArgs(req.InvoiceID, req.InsurerID).
		WillReturnRows(sqlmock.NewRows([]string{"id_factura_cliente"}))
	mock.ExpectExec("INSERT INTO factura_cliente").
		WillReturnError(errors.New("duplicate key"))

	_, err := ds.UpsertInvoiceClient(context.Background(), req, model.Found("1", "0", "Activo"))
	assert.True(t, apierror.Is(err, apierror.ErrPersistence))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetInvoiceClient(t *testing.T) {
	ds, mock := newMockDatasource(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id_factura_cliente", "id_factura", "id_aseguradora", "num_doc_identidad",
		"primer_nombre", "segundo_nombre", "primer_apellido", "segundo_apellido",
		"num_poliza", "num_dependiente", "error", "estado", "created_at", "updated_at"}).
		AddRow("fc_1", 1501, 7, "0102158896", "FABIAN", "MAURICIO", "BELTRAN", "NARVAEZ", "77224", "0", nil, 1, now, now)
	mock.ExpectQuery("SELECT id_factura_cliente, id_factura").
		WithArgs(int64(1501), int64(7)).
		WillReturnRows(rows)

	ic, err := ds.GetInvoiceClient(context.Background(), 1501, 7)
	require.NoError(t, err)
	assert.Equal(t, "77224", ic.PolicyNumber.String)
	assert.False(t, ic.Error.Valid)
	assert.True(t, ic.Active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetInvoiceClient_NotFound(t *testing.T) {
	ds, mock := newMockDatasource(t)

	mock.ExpectQuery("SELECT id_factura_cliente, id_factura").
		WithArgs(int64(1), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id_factura_cliente"}))

	_, err := ds.GetInvoiceClient(context.Background(), 1, 7)
	assert.True(t, apierror.Is(err, apierror.ErrNotFound))
}
