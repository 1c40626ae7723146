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
package mocks

import (
	"context"

	"github.com/neptunomedical/vigia/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Invoice client methods

func (m *MockDataSource) GetInvoiceClient(ctx context.Context, invoiceID, insurerID int64) (*model.InvoiceClient, error) {
	args := m.Called(ctx, invoiceID, insurerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.InvoiceClient), args.Error(1)
}

func (m *MockDataSource) UpsertInvoiceClient(ctx context.Context, req model.LookupRequest, outcome model.Outcome) (model.UpsertResult, error) {
	args := m.Called(ctx, req, outcome)
	return args.Get(0).(model.UpsertResult), args.Error(1)
}

// Portal methods

func (m *MockDataSource) GetPortalByName(ctx context.Context, name string) (*model.Portal, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Portal), args.Error(1)
}

func (m *MockDataSource) GetPortalFields(ctx context.Context, portalID int64) ([]model.PortalField, error) {
	args := m.Called(ctx, portalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.PortalField), args.Error(1)
}

func (m *MockDataSource) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
