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

/*
Package browser drives a single Chrome tab for the portal worker. The worker
only depends on the Page and Element interfaces so the login machine and the
extractor can be exercised without a real browser.
*/
package browser

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/neptunomedical/vigia/internal/apierror"
)

var (
	// ErrElementNotFound is returned when a selector did not resolve before its timeout.
	ErrElementNotFound = errors.New("element not found")
	// ErrStaleElement is returned when an element handle no longer belongs to the document.
	ErrStaleElement = errors.New("element is stale")
)

// Driver owns the browser process and hands out tabs.
type Driver interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a single browser tab.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	WaitLoad(ctx context.Context) error
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	BodyText(ctx context.Context) (string, error)
	// WaitElement blocks until selector resolves or timeout elapses.
	WaitElement(ctx context.Context, selector string, timeout time.Duration) (Element, error)
	// Elements returns the elements currently matching selector without waiting.
	Elements(ctx context.Context, selector string) ([]Element, error)
	Close() error
}

type Element interface {
	Text() (string, error)
	HTML() (string, error)
	Attribute(name string) (string, bool, error)
	// Elements returns the descendants currently matching selector.
	Elements(selector string) ([]Element, error)
	Visible() (bool, error)
	Enabled() (bool, error)
	Click() error
	// Fill replaces the element's value with text.
	Fill(text string) error
}

var disconnectMarkers = []string{
	"connection closed",
	"use of closed network connection",
	"websocket",
	"target closed",
	"session closed",
	"no target with given id",
	"browser has disconnected",
	"broken pipe",
	"connection reset",
}

var staleMarkers = []string{
	"node with given id does not belong to the document",
	"no node with given id found",
	"could not find node with given id",
	"cannot find context with specified id",
	"object reference chain is too long",
}

// IsDisconnected reports whether err means the browser connection is gone.
func IsDisconnected(err error) bool {
	if err == nil {
		return false
	}
	if apierror.Is(err, apierror.ErrTransport) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range disconnectMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return strings.HasSuffix(msg, "eof")
}

// IsStale reports whether err means an element handle went stale.
func IsStale(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStaleElement) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range staleMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// classify maps driver errors onto the worker's taxonomy. Disconnections
// become TRANSPORT_ERROR so the worker can recreate the session.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case IsDisconnected(err):
		return apierror.NewAPIError(apierror.ErrTransport, op+": browser disconnected", err)
	case IsStale(err):
		return errorf(ErrStaleElement, op, err)
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(strings.ToLower(err.Error()), "cannot find element"):
		return errorf(ErrElementNotFound, op, err)
	default:
		return wrap(err, op)
	}
}
