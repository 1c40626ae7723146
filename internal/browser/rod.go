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

package browser

import (
	"context"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/neptunomedical/vigia/config"
)

const bodyTimeout = 5 * time.Second

func wrap(err error, op string) error {
	return errors.Wrap(err, op)
}

func errorf(sentinel error, op string, cause error) error {
	return errors.Wrapf(sentinel, "%s: %v", op, cause)
}

// RodDriver is a Chrome instance controlled over the DevTools protocol.
type RodDriver struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	navTO    time.Duration
}

// NewRodDriver connects to cfg.ControlURL when set, otherwise launches a
// local Chrome.
func NewRodDriver(ctx context.Context, cfg config.BrowserConfig, navigationTimeout time.Duration) (*RodDriver, error) {
	d := &RodDriver{navTO: navigationTimeout}

	controlURL := cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(cfg.Headless == nil || *cfg.Headless)
		if cfg.Bin != "" {
			l = l.Bin(cfg.Bin)
		}
		if cfg.NoSandbox {
			l = l.NoSandbox(true)
		}
		if cfg.WindowSize != "" {
			l = l.Set(flags.Flag("window-size"), cfg.WindowSize)
		}
		if cfg.UserAgent != "" {
			l = l.Set(flags.Flag("user-agent"), cfg.UserAgent)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, errors.Wrap(err, "launch chrome")
		}
		d.launcher = l
		controlURL = u
	}

	// The browser outlives any single request, so it is not bound to ctx.
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		d.killLauncher()
		return nil, classify(ctx, "connect to chrome", err)
	}
	d.browser = b

	logrus.WithField("control_url", controlURL).Info("browser connected")
	return d, nil
}

func (d *RodDriver) NewPage(ctx context.Context) (Page, error) {
	p, err := d.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, classify(ctx, "open tab", err)
	}
	return &rodPage{page: p, navTO: d.navTO}, nil
}

func (d *RodDriver) Close() error {
	var err error
	if d.browser != nil {
		err = d.browser.Close()
		d.browser = nil
	}
	d.killLauncher()
	if err != nil && !IsDisconnected(err) {
		return errors.Wrap(err, "close browser")
	}
	return nil
}

func (d *RodDriver) killLauncher() {
	if d.launcher != nil {
		d.launcher.Kill()
		d.launcher = nil
	}
}

type rodPage struct {
	page  *rod.Page
	navTO time.Duration
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx)
	if p.navTO > 0 {
		page = page.Timeout(p.navTO)
	}
	if err := page.Navigate(url); err != nil {
		return classify(ctx, "navigate", err)
	}
	return nil
}

func (p *rodPage) Reload(ctx context.Context) error {
	return classify(ctx, "reload", p.page.Context(ctx).Reload())
}

func (p *rodPage) WaitLoad(ctx context.Context) error {
	page := p.page.Context(ctx)
	if p.navTO > 0 {
		page = page.Timeout(p.navTO)
	}
	return classify(ctx, "wait load", page.WaitLoad())
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", classify(ctx, "page info", err)
	}
	return info.URL, nil
}

func (p *rodPage) Title(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", classify(ctx, "page info", err)
	}
	return info.Title, nil
}

func (p *rodPage) BodyText(ctx context.Context) (string, error) {
	el, err := p.page.Context(ctx).Timeout(bodyTimeout).Element("body")
	if err != nil {
		return "", classify(ctx, "read body", err)
	}
	text, err := el.CancelTimeout().Text()
	if err != nil {
		return "", classify(ctx, "read body", err)
	}
	return text, nil
}

func (p *rodPage) WaitElement(ctx context.Context, selector string, timeout time.Duration) (Element, error) {
	el, err := p.page.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		return nil, classify(ctx, "find "+selector, err)
	}
	return &rodElement{el: el.CancelTimeout(), ctx: ctx}, nil
}

func (p *rodPage) Elements(ctx context.Context, selector string) ([]Element, error) {
	els, err := p.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, classify(ctx, "list "+selector, err)
	}
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, &rodElement{el: el, ctx: ctx})
	}
	return out, nil
}

func (p *rodPage) Close() error {
	err := p.page.Close()
	if err != nil && !IsDisconnected(err) {
		return errors.Wrap(err, "close tab")
	}
	return nil
}

type rodElement struct {
	el  *rod.Element
	ctx context.Context
}

func (e *rodElement) Text() (string, error) {
	text, err := e.el.Text()
	return text, classify(e.ctx, "element text", err)
}

func (e *rodElement) HTML() (string, error) {
	html, err := e.el.HTML()
	return html, classify(e.ctx, "element html", err)
}

func (e *rodElement) Attribute(name string) (string, bool, error) {
	v, err := e.el.Attribute(name)
	if err != nil {
		return "", false, classify(e.ctx, "element attribute", err)
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (e *rodElement) Elements(selector string) ([]Element, error) {
	els, err := e.el.Elements(selector)
	if err != nil {
		return nil, classify(e.ctx, "list "+selector, err)
	}
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, &rodElement{el: el, ctx: e.ctx})
	}
	return out, nil
}

func (e *rodElement) Visible() (bool, error) {
	visible, err := e.el.Visible()
	return visible, classify(e.ctx, "element visible", err)
}

func (e *rodElement) Enabled() (bool, error) {
	disabled, err := e.el.Property("disabled")
	if err != nil {
		return false, classify(e.ctx, "element disabled", err)
	}
	return !disabled.Bool(), nil
}

func (e *rodElement) Click() error {
	return classify(e.ctx, "click", e.el.Click(proto.InputMouseButtonLeft, 1))
}

func (e *rodElement) Fill(text string) error {
	if err := e.el.SelectAllText(); err != nil {
		return classify(e.ctx, "select text", err)
	}
	return classify(e.ctx, "input text", e.el.Input(text))
}
