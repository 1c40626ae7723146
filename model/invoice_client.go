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

package model

import (
	"database/sql"
	"time"
)

// InvoiceClient is the persisted billing row keyed by (InvoiceID, InsurerID).
type InvoiceClient struct {
	ID              string         `json:"id_factura_cliente"`
	InvoiceID       int64          `json:"id_factura"`
	InsurerID       int64          `json:"id_aseguradora"`
	DocumentID      string         `json:"num_doc_identidad"`
	FirstName       string         `json:"primer_nombre"`
	SecondName      string         `json:"segundo_nombre"`
	FirstSurname    string         `json:"primer_apellido"`
	SecondSurname   string         `json:"segundo_apellido"`
	PolicyNumber    sql.NullString `json:"num_poliza"`
	DependentNumber sql.NullString `json:"num_dependiente"`
	Error           sql.NullString `json:"error"`
	Active          bool           `json:"estado"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// UpsertResult reports which write path an upsert took.
type UpsertResult string

const (
	UpsertUpdated       UpsertResult = "UPDATED"
	UpsertErrorRecorded UpsertResult = "ERROR_RECORDED"
	UpsertInserted      UpsertResult = "INSERTED"
	UpsertSkipped       UpsertResult = "SKIPPED"
)
