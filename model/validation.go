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
	"sort"
	"strconv"
	"strings"
	"time"
)

const ValidationMessageType = "validacion_excel"

type BatchStatus string

const (
	BatchSucceeded BatchStatus = "PROCESADO_EXITOSAMENTE"
	BatchPartial   BatchStatus = "PROCESADO_PARCIALMENTE"
	BatchFailed    BatchStatus = "PROCESADO_CON_ERRORES"
)

// ValidationMessage summarizes one processed batch for the billing pipeline.
type ValidationMessage struct {
	InvoiceID   string      `json:"IdFactura"`
	MessageType string      `json:"TipoMensaje"`
	Insurer     string      `json:"Aseguradora"`
	Total       int         `json:"TotalClientes"`
	Succeeded   int         `json:"ClientesExitosos"`
	Failed      int         `json:"ClientesConError"`
	Status      BatchStatus `json:"Estado"`
	ProcessedAt time.Time   `json:"FechaProcesamiento"`
}

// BatchStatusFor derives the aggregate state from the per-client counts.
func BatchStatusFor(succeeded, failed int) BatchStatus {
	switch {
	case failed == 0 && succeeded > 0:
		return BatchSucceeded
	case succeeded == 0:
		return BatchFailed
	default:
		return BatchPartial
	}
}

// NewValidationMessage builds the summary for a batch. Invoice ids are
// de-duplicated and joined with commas in ascending order.
func NewValidationMessage(insurer string, invoiceIDs []int64, succeeded, failed int, at time.Time) ValidationMessage {
	seen := make(map[int64]struct{}, len(invoiceIDs))
	unique := make([]int64, 0, len(invoiceIDs))
	for _, id := range invoiceIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })

	ids := make([]string, len(unique))
	for i, id := range unique {
		ids[i] = strconv.FormatInt(id, 10)
	}

	return ValidationMessage{
		InvoiceID:   strings.Join(ids, ","),
		MessageType: ValidationMessageType,
		Insurer:     insurer,
		Total:       succeeded + failed,
		Succeeded:   succeeded,
		Failed:      failed,
		Status:      BatchStatusFor(succeeded, failed),
		ProcessedAt: at.UTC(),
	}
}
