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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neptunomedical/vigia/config"
	"github.com/neptunomedical/vigia/internal/apierror"
	"github.com/neptunomedical/vigia/internal/browser"
)

const (
	testLoginURL   = "https://sso.portal.test/login"
	testLandingURL = "https://portal.test/home"
	testSearchURL  = "https://portal.test/consulta"
	testNoResults  = "No se encontraron resultados"
)

var resultHeaders = []string{"Póliza", "Certificado", "No. Dependiente", "Nombre del Paciente", "Parentesco", "Fecha Nac.", "Plan", "Status"}

func testPortal() config.PortalConfig {
	return config.PortalConfig{
		InsurerID: 7,
		Name:      "Aseguradora Test",
		LoginURL:  testLoginURL,
		CredentialFields: []config.CredentialField{
			{Selector: "#user", Value: "usuario"},
			{Selector: "#pass", Value: "secreto"},
		},
		SubmitSelector:       "#login",
		LandingPattern:       "portal.test/home",
		IntermediatePattern:  "authorization.ping",
		ChallengeSelector:    "button.continue",
		BouncePattern:        "authorization.oauth2",
		SearchPagePattern:    "consulta",
		SearchPageURL:        testSearchURL,
		SearchLinkHints:      []string{"consulta"},
		SearchFieldSelector:  "#doc",
		SearchSubmitSelector: "#buscar",
		ResultsTableSelector: "#resultados",
		ResultRowSelector:    "tr",
		Columns: config.ResultColumns{
			Policy:    "Póliza",
			Dependent: "No. Dependiente",
			Patient:   "Nombre del Paciente",
			Status:    "Status",
		},
		ActiveKeywords: []string{"ACTIVO", "ACTIVE"},
		NoResultsText:  testNoResults,
	}
}

func testLoginTiming() config.LoginTiming {
	return config.LoginTiming{
		PollAttempts:          5,
		PollIntervalMs:        3000,
		IntermediateTimeoutMs: 30000,
		BounceRetries:         2,
	}
}

func testLookupTiming() config.LookupTiming {
	return config.LookupTiming{
		ElementTimeoutMs: 10,
		ElementAttempts:  2,
		SettleDelayMs:    0,
		TableTimeoutMs:   10,
	}
}

// fakeClock advances only when the code under test sleeps.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return ctx.Err()
}

func transportErr() error {
	return apierror.NewAPIError(apierror.ErrTransport, "browser disconnected", nil)
}

type fakeElement struct {
	text     string
	html     string
	attrs    map[string]string
	hidden   bool
	disabled bool
	children map[string][]*fakeElement
	htmlErr  error

	value   string
	fills   int
	clicks  int
	onClick func() error
}

func (e *fakeElement) Text() (string, error) { return e.text, nil }

func (e *fakeElement) HTML() (string, error) {
	if e.htmlErr != nil {
		return "", e.htmlErr
	}
	return e.html, nil
}

func (e *fakeElement) Attribute(name string) (string, bool, error) {
	v, ok := e.attrs[name]
	return v, ok, nil
}

func (e *fakeElement) Elements(selector string) ([]browser.Element, error) {
	return asElements(e.children[selector]), nil
}

func (e *fakeElement) Visible() (bool, error) { return !e.hidden, nil }

func (e *fakeElement) Enabled() (bool, error) { return !e.disabled, nil }

func (e *fakeElement) Click() error {
	e.clicks++
	if e.onClick != nil {
		return e.onClick()
	}
	return nil
}

func (e *fakeElement) Fill(text string) error {
	e.value = text
	e.fills++
	return nil
}

func asElements(els []*fakeElement) []browser.Element {
	out := make([]browser.Element, 0, len(els))
	for _, el := range els {
		out = append(out, el)
	}
	return out
}

type fakePage struct {
	url       string
	urlScript []string
	urlErr    error
	body      string
	elements  map[string][]*fakeElement
	waitErr   map[string]error

	navigations []string
	onNavigate  func(url string)
	reloads     int
	urlCalls    int
	closed      bool
}

func newFakePage() *fakePage {
	return &fakePage{elements: map[string][]*fakeElement{}, waitErr: map[string]error{}}
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.navigations = append(p.navigations, url)
	p.url = url
	if p.onNavigate != nil {
		p.onNavigate(url)
	}
	return nil
}

func (p *fakePage) Reload(context.Context) error {
	p.reloads++
	return nil
}

func (p *fakePage) WaitLoad(context.Context) error { return nil }

func (p *fakePage) URL(context.Context) (string, error) {
	p.urlCalls++
	if p.urlErr != nil {
		return "", p.urlErr
	}
	if len(p.urlScript) > 0 {
		p.url, p.urlScript = p.urlScript[0], p.urlScript[1:]
	}
	return p.url, nil
}

func (p *fakePage) Title(context.Context) (string, error) { return "", nil }

func (p *fakePage) BodyText(context.Context) (string, error) { return p.body, nil }

func (p *fakePage) WaitElement(_ context.Context, selector string, _ time.Duration) (browser.Element, error) {
	if err := p.waitErr[selector]; err != nil {
		return nil, err
	}
	els := p.elements[selector]
	if len(els) == 0 {
		return nil, fmt.Errorf("find %s: %w", selector, browser.ErrElementNotFound)
	}
	return els[0], nil
}

func (p *fakePage) Elements(_ context.Context, selector string) ([]browser.Element, error) {
	return asElements(p.elements[selector]), nil
}

func (p *fakePage) Close() error {
	p.closed = true
	return nil
}

// resultRow lays a client out in the portal's column order.
func resultRow(policy, dependent, patient, status string) []string {
	return []string{policy, "1", dependent, patient, "TITULAR", "1980-01-01", "PLAN SALUD", status}
}

func rowHTML(cells []string) string {
	var b strings.Builder
	b.WriteString("<tr>")
	for _, c := range cells {
		b.WriteString("<td>" + c + "</td>")
	}
	b.WriteString("</tr>")
	return b.String()
}

// resultsTable renders rows the way the portal does, with an optional header row.
func resultsTable(withHeaders bool, rows ...[]string) *fakeElement {
	var (
		b       strings.Builder
		trElems []*fakeElement
	)
	b.WriteString(`<table id="resultados">`)
	if withHeaders {
		var h strings.Builder
		h.WriteString("<tr>")
		for _, name := range resultHeaders {
			h.WriteString("<th>" + name + "</th>")
		}
		h.WriteString("</tr>")
		b.WriteString("<thead>" + h.String() + "</thead>")
		trElems = append(trElems, &fakeElement{html: h.String()})
	}
	b.WriteString("<tbody>")
	for _, r := range rows {
		html := rowHTML(r)
		b.WriteString(html)
		trElems = append(trElems, &fakeElement{html: html})
	}
	b.WriteString("</tbody></table>")
	return &fakeElement{html: b.String(), children: map[string][]*fakeElement{"tr": trElems}}
}

// portalSite scripts a portal on a fakePage: the login form lands on the
// home page and each search renders the rows registered for the document.
type portalSite struct {
	page     *fakePage
	results  map[string][][]string
	searches int
	logins   int

	// searchErr, when set, is returned by the next search click.
	searchErr error
}

func newPortalSite() *portalSite {
	s := &portalSite{page: newFakePage(), results: map[string][][]string{}}
	page := s.page

	page.elements["#user"] = []*fakeElement{{}}
	page.elements["#pass"] = []*fakeElement{{}}
	page.elements["#login"] = []*fakeElement{{onClick: func() error {
		s.logins++
		page.url = testLandingURL
		return nil
	}}}

	doc := &fakeElement{}
	page.elements["#doc"] = []*fakeElement{doc}
	page.elements["#buscar"] = []*fakeElement{{onClick: func() error {
		if s.searchErr != nil {
			err := s.searchErr
			s.searchErr = nil
			return err
		}
		s.searches++
		s.render(doc.value)
		return nil
	}}}
	return s
}

func (s *portalSite) render(documentID string) {
	rows, ok := s.results[documentID]
	if !ok {
		delete(s.page.elements, "#resultados")
		s.page.body = "Consulta de afiliados. " + testNoResults
		return
	}
	s.page.body = "Consulta de afiliados"
	s.page.elements["#resultados"] = []*fakeElement{resultsTable(true, rows...)}
}

// fakeDriver hands out the pages of successive portal sites.
type fakeDriver struct {
	sites  []*portalSite
	opened int
	closed bool
}

func (d *fakeDriver) NewPage(context.Context) (browser.Page, error) {
	if d.opened >= len(d.sites) {
		return nil, fmt.Errorf("no more pages")
	}
	site := d.sites[d.opened]
	d.opened++
	return site.page, nil
}

func (d *fakeDriver) Close() error {
	d.closed = true
	return nil
}
