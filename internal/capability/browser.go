package capability

import (
	"context"
	"time"
)

// Selector is a tagged element locator.
type Selector struct {
	Kind  string `json:"kind"` // "css" or "xpath"
	Value string `json:"value"`
}

// PageDescription is the result of describe_page.
type PageDescription struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	HTML  string `json:"html,omitempty"`
}

// Driver abstracts the external browser automation endpoint so the handle
// bookkeeping can be exercised without a live browser.
type Driver interface {
	NewSession(ctx context.Context, profile string, headless, allowDownloads bool) (DriverSession, error)
}

// DriverSession is one remote browser session.
type DriverSession interface {
	Navigate(ctx context.Context, url string) error
	Find(ctx context.Context, sel Selector) (DriverElement, error)
	Describe(ctx context.Context, includeHTML bool) (PageDescription, error)
	Screenshot(ctx context.Context, kind string) ([]byte, error)
	Close(ctx context.Context) error
}

// DriverElement is a located DOM element within a session.
type DriverElement interface {
	Click(ctx context.Context) error
	TypeText(ctx context.Context, text string, submit bool) error
	InnerText(ctx context.Context) (string, error)
}

type sessionEntry struct {
	driver  DriverSession
	profile string
}

type elementEntry struct {
	element DriverElement
	session Handle
}

// Browser implements the browser capability: a thin proxy over the external
// automation endpoint whose value to the core is resource-handle
// bookkeeping. A nil driver means the capability is disabled by policy.
type Browser struct {
	state          *State
	driver         Driver
	defaultProfile string
}

// NewBrowser builds the browser capability. driver may be nil when policy
// leaves the subsystem unconfigured; every operation then fails with
// PermissionDenied.
func NewBrowser(state *State, driver Driver, defaultProfile string) *Browser {
	return &Browser{state: state, driver: driver, defaultProfile: defaultProfile}
}

func (b *Browser) enabled() *Error {
	if b.driver == nil {
		return NewError(KindPermissionDenied, "browser capability is disabled by policy")
	}
	return nil
}

// OpenSession creates a remote session and registers it in the per-task
// session table.
func (b *Browser) OpenSession(ctx context.Context, profile string, headless, allowDownloads bool) (Handle, *Error) {
	if capErr := b.enabled(); capErr != nil {
		return 0, capErr
	}
	if profile == "" {
		profile = b.defaultProfile
	}
	session, err := b.driver.NewSession(ctx, profile, headless, allowDownloads)
	if err != nil {
		return 0, AsError(err)
	}
	h := b.state.insert(&tableEntry{kind: handleSession, session: &sessionEntry{driver: session, profile: profile}})
	b.state.sessionOrder = append(b.state.sessionOrder, h)
	return h, nil
}

// Goto navigates a session.
func (b *Browser) Goto(ctx context.Context, session Handle, url string, timeout time.Duration) *Error {
	entry, capErr := b.state.lookup(session, handleSession)
	if capErr != nil {
		return capErr
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	if err := entry.session.driver.Navigate(ctx, url); err != nil {
		return driverError(ctx, err)
	}
	return nil
}

// Find locates one element and vends an element handle bound to the owning
// session.
func (b *Browser) Find(ctx context.Context, session Handle, sel Selector, timeout time.Duration) (Handle, *Error) {
	entry, capErr := b.state.lookup(session, handleSession)
	if capErr != nil {
		return 0, capErr
	}
	if sel.Kind != "css" && sel.Kind != "xpath" {
		return 0, NewError(KindSchemaError, "selector kind %q is not supported", sel.Kind)
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	element, err := entry.session.driver.Find(ctx, sel)
	if err != nil {
		return 0, driverError(ctx, err)
	}
	return b.state.insert(&tableEntry{kind: handleElement, element: &elementEntry{element: element, session: session}}), nil
}

// Click clicks a located element.
func (b *Browser) Click(ctx context.Context, element Handle) *Error {
	entry, capErr := b.state.lookup(element, handleElement)
	if capErr != nil {
		return capErr
	}
	if err := entry.element.element.Click(ctx); err != nil {
		return driverError(ctx, err)
	}
	return nil
}

// TypeText sends keystrokes to an element, optionally submitting afterward.
func (b *Browser) TypeText(ctx context.Context, element Handle, text string, submit bool) *Error {
	entry, capErr := b.state.lookup(element, handleElement)
	if capErr != nil {
		return capErr
	}
	if err := entry.element.element.TypeText(ctx, text, submit); err != nil {
		return driverError(ctx, err)
	}
	return nil
}

// InnerText reads an element's rendered text.
func (b *Browser) InnerText(ctx context.Context, element Handle) (string, *Error) {
	entry, capErr := b.state.lookup(element, handleElement)
	if capErr != nil {
		return "", capErr
	}
	text, err := entry.element.element.InnerText(ctx)
	if err != nil {
		return "", driverError(ctx, err)
	}
	return text, nil
}

// DescribePage returns the session's current URL and title, optionally with
// a DOM snapshot.
func (b *Browser) DescribePage(ctx context.Context, session Handle, includeHTML bool) (PageDescription, *Error) {
	entry, capErr := b.state.lookup(session, handleSession)
	if capErr != nil {
		return PageDescription{}, capErr
	}
	desc, err := entry.session.driver.Describe(ctx, includeHTML)
	if err != nil {
		return PageDescription{}, driverError(ctx, err)
	}
	return desc, nil
}

// Screenshot captures the page and stores the bytes under the given alias.
func (b *Browser) Screenshot(ctx context.Context, session Handle, kind, alias string) *Error {
	entry, capErr := b.state.lookup(session, handleSession)
	if capErr != nil {
		return capErr
	}
	data, err := entry.session.driver.Screenshot(ctx, kind)
	if err != nil {
		return driverError(ctx, err)
	}
	b.state.StoreScreenshot(alias, data)
	return nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// driverError classifies a driver failure, distinguishing timeouts from
// ordinary subsystem errors.
func driverError(ctx context.Context, err error) *Error {
	if ctx.Err() == context.DeadlineExceeded {
		return NewError(KindTimeout, "browser operation timed out: %v", err)
	}
	return AsError(err)
}
