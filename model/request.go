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
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// FlexInt decodes identifiers that upstream producers send either as JSON
// numbers or as numeric strings, so store lookups always use int64 keys.
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	raw := strings.Trim(string(data), `"`)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*f = 0
		return nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*f = FlexInt(n)
		return nil
	}
	// 1234.0 style numbers from loosely typed producers
	fl, err := strconv.ParseFloat(raw, 64)
	if err != nil || fl != float64(int64(fl)) {
		return fmt.Errorf("invalid integer identifier %s", string(data))
	}
	*f = FlexInt(int64(fl))
	return nil
}

func (f FlexInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(f))
}

func (f FlexInt) Int64() int64 {
	return int64(f)
}

// LookupBatch is the inbound message: one insurer and the clients to resolve.
type LookupBatch struct {
	InsurerID FlexInt        `json:"IdAseguradora"`
	Clients   []ClientRecord `json:"Clientes"`
}

type ClientRecord struct {
	InvoiceID     FlexInt `json:"IdFactura"`
	DocumentID    string  `json:"NumDocIdentidad"`
	FirstName     string  `json:"PersonaPrimerNombre"`
	SecondName    string  `json:"PersonaSegundoNombre"`
	FirstSurname  string  `json:"PersonaPrimerApellido"`
	SecondSurname string  `json:"PersonaSegundoApellido"`
	FullName      string  `json:"NombreCompleto,omitempty"`
}

// LookupRequest is a single client resolution inside a batch.
type LookupRequest struct {
	InvoiceID     int64  `json:"invoice_id"`
	InsurerID     int64  `json:"insurer_id"`
	DocumentID    string `json:"document_id"`
	FirstName     string `json:"first_name"`
	SecondName    string `json:"second_name"`
	FirstSurname  string `json:"first_surname"`
	SecondSurname string `json:"second_surname"`
}

func (b *LookupBatch) Validate() error {
	return validation.ValidateStruct(b,
		validation.Field(&b.InsurerID, validation.Required, validation.Min(FlexInt(1))),
		validation.Field(&b.Clients, validation.Required),
	)
}

func (c ClientRecord) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.InvoiceID, validation.Required, validation.Min(FlexInt(1))),
		validation.Field(&c.DocumentID, validation.Required, validation.Length(1, 32)),
	)
}

// Requests expands the batch into per-client lookup requests.
func (b *LookupBatch) Requests() []LookupRequest {
	requests := make([]LookupRequest, 0, len(b.Clients))
	for _, c := range b.Clients {
		requests = append(requests, LookupRequest{
			InvoiceID:     c.InvoiceID.Int64(),
			InsurerID:     b.InsurerID.Int64(),
			DocumentID:    strings.TrimSpace(c.DocumentID),
			FirstName:     strings.TrimSpace(c.FirstName),
			SecondName:    strings.TrimSpace(c.SecondName),
			FirstSurname:  strings.TrimSpace(c.FirstSurname),
			SecondSurname: strings.TrimSpace(c.SecondSurname),
		})
	}
	return requests
}

// NameParts returns the name fields in portal order: names first, then surnames.
func (r LookupRequest) NameParts() []string {
	return []string{r.FirstName, r.SecondName, r.FirstSurname, r.SecondSurname}
}

// FullName joins the non-empty name parts and upper-cases them. It is empty
// when every part is blank.
func (r LookupRequest) FullName() string {
	return NormalizeName(strings.Join(r.NameParts(), " "))
}

// NormalizeName collapses runs of whitespace and upper-cases the result.
func NormalizeName(name string) string {
	return strings.ToUpper(strings.Join(strings.Fields(name), " "))
}
