package capability

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver records session lifecycles for bookkeeping assertions.
type fakeDriver struct {
	opened []*fakeSession
	fail   bool
}

func (d *fakeDriver) NewSession(_ context.Context, profile string, headless, _ bool) (DriverSession, error) {
	if d.fail {
		return nil, fmt.Errorf("endpoint unreachable")
	}
	session := &fakeSession{profile: profile, headless: headless}
	d.opened = append(d.opened, session)
	return session, nil
}

type fakeSession struct {
	profile    string
	headless   bool
	closed     bool
	closeOrder int
	navigated  []string
	findFails  bool
}

var closeCounter int

func (s *fakeSession) Navigate(_ context.Context, url string) error {
	s.navigated = append(s.navigated, url)
	return nil
}

func (s *fakeSession) Find(_ context.Context, sel Selector) (DriverElement, error) {
	if s.findFails {
		return nil, fmt.Errorf("no element matches %s=%q", sel.Kind, sel.Value)
	}
	return &fakeElement{selector: sel}, nil
}

func (s *fakeSession) Describe(_ context.Context, includeHTML bool) (PageDescription, error) {
	desc := PageDescription{URL: "https://example.test/", Title: "Example"}
	if includeHTML {
		desc.HTML = "<html></html>"
	}
	return desc, nil
}

func (s *fakeSession) Screenshot(_ context.Context, _ string) ([]byte, error) {
	return []byte{0x89, 'P', 'N', 'G'}, nil
}

func (s *fakeSession) Close(_ context.Context) error {
	s.closed = true
	closeCounter++
	s.closeOrder = closeCounter
	return nil
}

type fakeElement struct {
	selector Selector
	clicks   int
	typed    string
}

func (e *fakeElement) Click(_ context.Context) error { e.clicks++; return nil }

func (e *fakeElement) TypeText(_ context.Context, text string, submit bool) error {
	e.typed += text
	if submit {
		e.typed += "\n"
	}
	return nil
}

func (e *fakeElement) InnerText(_ context.Context) (string, error) {
	return "inner text", nil
}

func newTestBrowser(t *testing.T) (*Browser, *State, *fakeDriver) {
	t.Helper()
	state := NewState(t.TempDir(), nil)
	driver := &fakeDriver{}
	return NewBrowser(state, driver, "default"), state, driver
}

func TestBrowserDisabledByPolicy(t *testing.T) {
	state := NewState(t.TempDir(), nil)
	browser := NewBrowser(state, nil, "")

	_, err := browser.OpenSession(context.Background(), "", true, false)
	require.NotNil(t, err)
	assert.Equal(t, KindPermissionDenied, err.Kind)
}

func TestOpenSessionUsesDefaultProfile(t *testing.T) {
	browser, _, driver := newTestBrowser(t)

	_, err := browser.OpenSession(context.Background(), "", true, false)
	require.Nil(t, err)
	require.Len(t, driver.opened, 1)
	assert.Equal(t, "default", driver.opened[0].profile)
}

func TestSessionNavigationAndDescribe(t *testing.T) {
	browser, _, driver := newTestBrowser(t)
	ctx := context.Background()

	session, err := browser.OpenSession(ctx, "work", true, false)
	require.Nil(t, err)

	require.Nil(t, browser.Goto(ctx, session, "https://example.test/login", time.Second))
	assert.Equal(t, []string{"https://example.test/login"}, driver.opened[0].navigated)

	desc, err := browser.DescribePage(ctx, session, true)
	require.Nil(t, err)
	assert.Equal(t, "Example", desc.Title)
	assert.NotEmpty(t, desc.HTML)
}

func TestFindClickTypeInnerText(t *testing.T) {
	browser, _, _ := newTestBrowser(t)
	ctx := context.Background()

	session, err := browser.OpenSession(ctx, "", true, false)
	require.Nil(t, err)

	element, err := browser.Find(ctx, session, Selector{Kind: "css", Value: "#signin"}, time.Second)
	require.Nil(t, err)

	require.Nil(t, browser.Click(ctx, element))
	require.Nil(t, browser.TypeText(ctx, element, "hunter2", true))
	text, err := browser.InnerText(ctx, element)
	require.Nil(t, err)
	assert.Equal(t, "inner text", text)
}

func TestFindRejectsUnknownSelectorKind(t *testing.T) {
	browser, _, _ := newTestBrowser(t)
	ctx := context.Background()

	session, err := browser.OpenSession(ctx, "", true, false)
	require.Nil(t, err)

	_, err = browser.Find(ctx, session, Selector{Kind: "text", Value: "Sign in"}, time.Second)
	require.NotNil(t, err)
	assert.Equal(t, KindSchemaError, err.Kind)
}

func TestOperationsOnUnknownHandles(t *testing.T) {
	browser, _, _ := newTestBrowser(t)
	ctx := context.Background()

	err := browser.Goto(ctx, Handle(77), "https://example.test", time.Second)
	require.NotNil(t, err)
	assert.Equal(t, KindUnknownHandle, err.Kind)

	clickErr := browser.Click(ctx, Handle(78))
	require.NotNil(t, clickErr)
	assert.Equal(t, KindUnknownHandle, clickErr.Kind)
}

func TestScreenshotStoredUnderAlias(t *testing.T) {
	browser, state, _ := newTestBrowser(t)
	ctx := context.Background()

	session, err := browser.OpenSession(ctx, "", true, false)
	require.Nil(t, err)
	require.Nil(t, browser.Screenshot(ctx, session, "png", "login-page"))

	data, ok := state.Screenshot("login-page")
	assert.True(t, ok)
	assert.NotEmpty(t, data)
}

func TestAliasEvictionClosesPriorSession(t *testing.T) {
	browser, state, driver := newTestBrowser(t)
	ctx := context.Background()

	first, err := browser.OpenSession(ctx, "", true, false)
	require.Nil(t, err)
	state.BindAlias(ctx, "s", first)
	assert.Equal(t, 1, state.LiveSessions())

	second, err := browser.OpenSession(ctx, "", true, false)
	require.Nil(t, err)
	state.BindAlias(ctx, "s", second)

	assert.Equal(t, 1, state.LiveSessions())
	assert.True(t, driver.opened[0].closed, "first session must be closed before the second is bound")
	assert.False(t, driver.opened[1].closed)

	resolved, capErr := state.ResolveAlias("s")
	require.Nil(t, capErr)
	assert.Equal(t, second, resolved)
}

func TestSessionCloseInvalidatesElements(t *testing.T) {
	browser, state, _ := newTestBrowser(t)
	ctx := context.Background()

	session, err := browser.OpenSession(ctx, "", true, false)
	require.Nil(t, err)
	element, err := browser.Find(ctx, session, Selector{Kind: "css", Value: "a"}, time.Second)
	require.Nil(t, err)
	state.BindAlias(ctx, "lnk", element)

	state.closeHandle(ctx, session)

	clickErr := browser.Click(ctx, element)
	require.NotNil(t, clickErr)
	assert.Equal(t, KindUnknownHandle, clickErr.Kind)

	_, aliasErr := state.ResolveAlias("lnk")
	require.NotNil(t, aliasErr)
	assert.Equal(t, KindUnknownAlias, aliasErr.Kind)
}

func TestTeardownClosesSessionsInCreationOrder(t *testing.T) {
	browser, state, driver := newTestBrowser(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := browser.OpenSession(ctx, "", true, false)
		require.Nil(t, err)
	}
	require.Equal(t, 3, state.LiveSessions())

	state.Teardown(ctx)

	assert.Equal(t, 0, state.LiveSessions())
	require.Len(t, driver.opened, 3)
	for _, session := range driver.opened {
		assert.True(t, session.closed)
	}
	assert.Less(t, driver.opened[0].closeOrder, driver.opened[1].closeOrder)
	assert.Less(t, driver.opened[1].closeOrder, driver.opened[2].closeOrder)
}

func TestOpenSessionDriverFailure(t *testing.T) {
	state := NewState(t.TempDir(), nil)
	driver := &fakeDriver{fail: true}
	browser := NewBrowser(state, driver, "")

	_, err := browser.OpenSession(context.Background(), "", true, false)
	require.NotNil(t, err)
	assert.Equal(t, KindExternalFailure, err.Kind)
	assert.Equal(t, 0, state.LiveSessions())
}
