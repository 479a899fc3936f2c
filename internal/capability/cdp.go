package capability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

// cdpDriver implements Driver over a remote Chrome DevTools endpoint.
// Session contexts are children of the shared allocator context, so closing
// the allocator tears every session down with it.
type cdpDriver struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	logger      *slog.Logger
}

// NewCDPDriver connects the browser capability to a remote DevTools
// endpoint. The returned cancel function releases the allocator and must be
// called by the sandbox teardown path.
func NewCDPDriver(ctx context.Context, endpointURL string, logger *slog.Logger) (Driver, context.CancelFunc) {
	allocCtx, cancel := chromedp.NewRemoteAllocator(ctx, endpointURL)
	return &cdpDriver{allocCtx: allocCtx, allocCancel: cancel, logger: logger}, cancel
}

func (d *cdpDriver) NewSession(ctx context.Context, profile string, headless, allowDownloads bool) (DriverSession, error) {
	sessionCtx, cancel := chromedp.NewContext(d.allocCtx)
	// A no-op navigation forces target creation so a dead endpoint fails
	// here instead of on first use.
	if err := chromedp.Run(sessionCtx, chromedp.Navigate("about:blank")); err != nil {
		cancel()
		return nil, fmt.Errorf("browser session start: %w", err)
	}
	d.logger.Debug("browser session opened", "profile", profile, "headless", headless)
	return &cdpSession{ctx: sessionCtx, cancel: cancel}, nil
}

type cdpSession struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *cdpSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx := s.ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(s.ctx, deadline)
		defer cancel()
	}
	return chromedp.Run(runCtx, actions...)
}

func (s *cdpSession) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, chromedp.Navigate(url))
}

func (s *cdpSession) Find(ctx context.Context, sel Selector) (DriverElement, error) {
	opt := chromedp.ByQuery
	if sel.Kind == "xpath" {
		opt = chromedp.BySearch
	}
	if err := s.run(ctx, chromedp.WaitReady(sel.Value, opt)); err != nil {
		return nil, fmt.Errorf("element %s=%q not found: %w", sel.Kind, sel.Value, err)
	}
	return &cdpElement{session: s, selector: sel.Value, opt: opt}, nil
}

func (s *cdpSession) Describe(ctx context.Context, includeHTML bool) (PageDescription, error) {
	var desc PageDescription
	actions := []chromedp.Action{
		chromedp.Location(&desc.URL),
		chromedp.Title(&desc.Title),
	}
	if includeHTML {
		actions = append(actions, chromedp.OuterHTML("html", &desc.HTML, chromedp.ByQuery))
	}
	if err := s.run(ctx, actions...); err != nil {
		return PageDescription{}, err
	}
	return desc, nil
}

func (s *cdpSession) Screenshot(ctx context.Context, kind string) ([]byte, error) {
	format := page.CaptureScreenshotFormatPng
	if kind == "jpeg" {
		format = page.CaptureScreenshotFormatJpeg
	}
	var data []byte
	capture := chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		data, err = page.CaptureScreenshot().WithFormat(format).Do(ctx)
		return err
	})
	if err := s.run(ctx, capture); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *cdpSession) Close(context.Context) error {
	s.cancel()
	return nil
}

type cdpElement struct {
	session  *cdpSession
	selector string
	opt      chromedp.QueryOption
}

func (e *cdpElement) Click(ctx context.Context) error {
	return e.session.run(ctx, chromedp.Click(e.selector, e.opt))
}

func (e *cdpElement) TypeText(ctx context.Context, text string, submit bool) error {
	if submit {
		text += kb.Enter
	}
	return e.session.run(ctx, chromedp.SendKeys(e.selector, text, e.opt))
}

func (e *cdpElement) InnerText(ctx context.Context) (string, error) {
	var text string
	if err := e.session.run(ctx, chromedp.Text(e.selector, &text, e.opt)); err != nil {
		return "", err
	}
	return text, nil
}
