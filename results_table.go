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
	"fmt"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/neptunomedical/vigia/config"
	"github.com/neptunomedical/vigia/model"
)

// columnIndex holds the cell positions of the fields read from a result row.
type columnIndex struct {
	policy, dependent, patient, status int
}

func (c columnIndex) max() int {
	m := c.policy
	for _, v := range []int{c.dependent, c.patient, c.status} {
		if v > m {
			m = v
		}
	}
	return m
}

// positionalColumns is the column layout of the results grid when it is
// rendered without a header row.
var positionalColumns = columnIndex{policy: 0, dependent: 2, patient: 3, status: 7}

var accentFolder = strings.NewReplacer(
	"Á", "A", "É", "E", "Í", "I", "Ó", "O", "Ú", "U", "Ü", "U", "Ñ", "N",
)

// foldHeader normalizes a header text for comparison: upper case, single
// spaces, no accents and no trailing punctuation.
func foldHeader(s string) string {
	s = accentFolder.Replace(model.NormalizeName(s))
	return strings.TrimRight(s, ".: ")
}

// parseFragment parses an HTML fragment. Table parts are wrapped in a table
// because the HTML parser drops orphan tr and td tags.
func parseFragment(html string) (*goquery.Document, error) {
	trimmed := strings.ToLower(strings.TrimSpace(html))
	if strings.HasPrefix(trimmed, "<tr") || strings.HasPrefix(trimmed, "<td") || strings.HasPrefix(trimmed, "<th") {
		html = "<table><tbody>" + html + "</tbody></table>"
	}
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

// resolveColumns reads the th texts of the results table and maps the
// configured column names onto their positions. A table without any header
// cell falls back to the positional layout.
func resolveColumns(tableHTML string, cols config.ResultColumns) (columnIndex, error) {
	doc, err := parseFragment(tableHTML)
	if err != nil {
		return columnIndex{}, err
	}

	headers := map[string]int{}
	doc.Find("tr").EachWithBreak(func(_ int, tr *goquery.Selection) bool {
		ths := tr.Find("th")
		if ths.Length() == 0 {
			return true
		}
		ths.Each(func(i int, th *goquery.Selection) {
			name := foldHeader(th.Text())
			if _, seen := headers[name]; !seen {
				headers[name] = i
			}
		})
		return false
	})
	if len(headers) == 0 {
		return positionalColumns, nil
	}

	lookup := func(name string) (int, error) {
		idx, ok := headers[foldHeader(name)]
		if !ok {
			return 0, fmt.Errorf("columna %q no encontrada en la tabla de resultados", name)
		}
		return idx, nil
	}

	var idx columnIndex
	if idx.policy, err = lookup(cols.Policy); err != nil {
		return idx, err
	}
	if idx.dependent, err = lookup(cols.Dependent); err != nil {
		return idx, err
	}
	if idx.patient, err = lookup(cols.Patient); err != nil {
		return idx, err
	}
	if idx.status, err = lookup(cols.Status); err != nil {
		return idx, err
	}
	return idx, nil
}

// rowCells returns the trimmed td texts of a row. Header rows yield nil.
func rowCells(rowHTML string) ([]string, error) {
	doc, err := parseFragment(rowHTML)
	if err != nil {
		return nil, err
	}
	var cells []string
	doc.Find("td").Each(func(_ int, td *goquery.Selection) {
		cells = append(cells, strings.TrimSpace(td.Text()))
	})
	return cells, nil
}

// isActiveStatus reports whether any word of status equals one of the
// keywords, ignoring case. INACTIVO is a different word than ACTIVO.
func isActiveStatus(status string, keywords []string) bool {
	words := strings.FieldsFunc(strings.ToUpper(status), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		for _, k := range keywords {
			if w == strings.ToUpper(strings.TrimSpace(k)) {
				return true
			}
		}
	}
	return false
}

// closestName returns the candidate nearest to name by edit distance.
func closestName(name string, candidates []string) (string, int) {
	best, bestDist := "", -1
	for _, c := range candidates {
		d := levenshtein.DistanceForStrings([]rune(name), []rune(c), levenshtein.DefaultOptions)
		if bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}
