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

	"github.com/neptunomedical/vigia/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	invoiceClient // Interface for billing row operations
	portal        // Interface for portal registry lookups
	Ping(ctx context.Context) error
}

// invoiceClient defines the persistence gateway for lookup outcomes.
type invoiceClient interface {
	GetInvoiceClient(ctx context.Context, invoiceID, insurerID int64) (*model.InvoiceClient, error)                  // Retrieves the active row for an invoice and insurer
	UpsertInvoiceClient(ctx context.Context, req model.LookupRequest, outcome model.Outcome) (model.UpsertResult, error) // Stores an outcome idempotently
}

// portal defines lookups against the automation registry tables.
type portal interface {
	GetPortalByName(ctx context.Context, name string) (*model.Portal, error) // Retrieves a registered portal by name
	GetPortalFields(ctx context.Context, portalID int64) ([]model.PortalField, error) // Retrieves active captured fields ordered by position
}
