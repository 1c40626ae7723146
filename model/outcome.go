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

import "fmt"

type OutcomeKind string

const (
	OutcomeFound           OutcomeKind = "FOUND"
	OutcomeNotFound        OutcomeKind = "NOT_FOUND"
	OutcomeInactiveStatus  OutcomeKind = "INACTIVE_STATUS"
	OutcomeExtractionError OutcomeKind = "EXTRACTION_ERROR"
)

// Outcome is the resolved result of a lookup. Only the fields relevant to
// Kind are populated.
type Outcome struct {
	Kind            OutcomeKind `json:"kind" msgpack:"kind"`
	PolicyNumber    string      `json:"policy_number,omitempty" msgpack:"policy_number"`
	DependentNumber string      `json:"dependent_number,omitempty" msgpack:"dependent_number"`
	Status          string      `json:"status,omitempty" msgpack:"status"`
	Detail          string      `json:"detail,omitempty" msgpack:"detail"`
}

func Found(policyNumber, dependentNumber, status string) Outcome {
	return Outcome{Kind: OutcomeFound, PolicyNumber: policyNumber, DependentNumber: dependentNumber, Status: status}
}

func NotFound() Outcome {
	return Outcome{Kind: OutcomeNotFound}
}

func InactiveStatus(status string) Outcome {
	return Outcome{Kind: OutcomeInactiveStatus, Status: status}
}

func ExtractionError(reason string) Outcome {
	return Outcome{Kind: OutcomeExtractionError, Detail: reason}
}

func (o Outcome) IsFound() bool {
	return o.Kind == OutcomeFound
}

// Reason is the human readable text stored in the record's error column for
// any outcome other than Found.
func (o Outcome) Reason() string {
	switch o.Kind {
	case OutcomeFound:
		return ""
	case OutcomeNotFound:
		return "cliente no encontrado en el portal de la aseguradora"
	case OutcomeInactiveStatus:
		return fmt.Sprintf("cliente encontrado con estado no activo: %s", o.Status)
	case OutcomeExtractionError:
		return fmt.Sprintf("error extrayendo resultados del portal: %s", o.Detail)
	default:
		return fmt.Sprintf("resultado desconocido: %s", o.Kind)
	}
}

func (o Outcome) String() string {
	if o.IsFound() {
		return fmt.Sprintf("%s{policy=%s dependent=%s}", o.Kind, o.PolicyNumber, o.DependentNumber)
	}
	return fmt.Sprintf("%s{%s}", o.Kind, o.Reason())
}
