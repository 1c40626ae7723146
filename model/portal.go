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

import "strings"

// Portal is an insurer portal registered in the automation tables.
type Portal struct {
	ID             int64  `json:"id"`
	Name           string `json:"nombre"`
	LoginURL       string `json:"url_login"`
	DestinationURL string `json:"url_destino"`
}

// PortalField is a captured form field for a portal's search page.
type PortalField struct {
	ID           int64  `json:"id_informacion"`
	PortalID     int64  `json:"id_url"`
	Name         string `json:"nombre_campo"`
	SelectorCSS  string `json:"selector_css"`
	SubmitButton string `json:"boton_envio"`
	Order        int    `json:"orden"`
}

var documentFieldNames = []string{"identificacion", "identificacion del titular", "documento", "cedula", "numdocidentidad"}

// IsDocumentField reports whether the field receives the client's document id.
func (f PortalField) IsDocumentField() bool {
	name := strings.ToLower(strings.TrimSpace(f.Name))
	for _, candidate := range documentFieldNames {
		if name == candidate {
			return true
		}
	}
	return strings.Contains(strings.ToLower(f.SelectorCSS), "identificacion")
}

// SearchSelectors picks the document input and submit button from the
// captured fields. Either return value is empty when nothing matches.
func SearchSelectors(fields []PortalField) (input string, submit string) {
	for _, f := range fields {
		if input == "" && f.IsDocumentField() {
			input = f.SelectorCSS
		}
		if submit == "" && strings.TrimSpace(f.SubmitButton) != "" {
			submit = strings.TrimSpace(f.SubmitButton)
		}
	}
	return input, submit
}
