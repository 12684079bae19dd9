package redirect

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardanioss/mimicry/transport"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func post(t *testing.T, raw string) *Request {
	return &Request{
		Method: http.MethodPost,
		URL:    mustURL(t, raw),
		Header: http.Header{
			"Content-Type":  {"application/json"},
			"Authorization": {"Bearer t"},
			"cookie":        {"a=1"},
			"X-Api-Key":     {"k"},
			"Accept":        {"*/*"},
		},
		HasBody:    true,
		Replayable: true,
	}
}

func TestMethodRules(t *testing.T) {
	tests := []struct {
		status   int
		method   string
		want     string
		wantBody bool
	}{
		{http.StatusMovedPermanently, http.MethodPost, http.MethodGet, false},
		{http.StatusFound, http.MethodPost, http.MethodGet, false},
		{http.StatusMovedPermanently, http.MethodPut, http.MethodGet, false},
		{http.StatusMovedPermanently, http.MethodDelete, http.MethodGet, false},
		{http.StatusMovedPermanently, http.MethodHead, http.MethodHead, false},
		{http.StatusFound, http.MethodPut, http.MethodGet, false},
		{http.StatusFound, http.MethodDelete, http.MethodGet, false},
		{http.StatusFound, http.MethodPatch, http.MethodGet, false},
		{http.StatusSeeOther, http.MethodPut, http.MethodGet, false},
		{http.StatusSeeOther, http.MethodHead, http.MethodHead, false},
		{http.StatusTemporaryRedirect, http.MethodPost, http.MethodPost, true},
		{http.StatusPermanentRedirect, http.MethodPatch, http.MethodPatch, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status)+" "+tt.method, func(t *testing.T) {
			prev := post(t, "https://example.com/a")
			prev.Method = tt.method
			prev.HasBody = tt.method != http.MethodHead
			a := Decide(prev, tt.status, "/b", Default(), 0)
			require.Equal(t, Follow, a.Kind)
			assert.Equal(t, tt.want, a.Next.Method)
			assert.Equal(t, tt.wantBody, a.Next.HasBody)
			assert.Equal(t, "https://example.com/b", a.Next.URL.String())
			if tt.wantBody {
				assert.Equal(t, "application/json", a.Next.Header.Get("Content-Type"))
			} else {
				assert.Empty(t, a.Next.Header.Get("Content-Type"))
			}
		})
	}
}

func TestCustomMethodTable(t *testing.T) {
	p := Default()
	p.Methods = map[int]MethodRule{http.StatusFound: KeepMethod}
	a := Decide(post(t, "https://example.com/"), http.StatusFound, "/x", p, 0)
	require.Equal(t, Follow, a.Kind)
	assert.Equal(t, http.MethodPost, a.Next.Method)
	assert.True(t, a.Next.HasBody)
}

func TestPostToGetKeepsOtherMethods(t *testing.T) {
	p := Default()
	p.Methods = map[int]MethodRule{http.StatusFound: PostToGet}

	a := Decide(post(t, "https://example.com/"), http.StatusFound, "/x", p, 0)
	require.Equal(t, Follow, a.Kind)
	assert.Equal(t, http.MethodGet, a.Next.Method)
	assert.False(t, a.Next.HasBody)

	prev := post(t, "https://example.com/")
	prev.Method = http.MethodPut
	a = Decide(prev, http.StatusFound, "/x", p, 0)
	require.Equal(t, Follow, a.Kind)
	assert.Equal(t, http.MethodPut, a.Next.Method)
	assert.True(t, a.Next.HasBody)
}

func TestUnreplayableBodyStops(t *testing.T) {
	prev := post(t, "https://example.com/")
	prev.Replayable = false
	assert.Equal(t, Stop, Decide(prev, http.StatusTemporaryRedirect, "/x", Default(), 0).Kind)
	// A 303 drops the body so it can still be followed.
	assert.Equal(t, Follow, Decide(prev, http.StatusSeeOther, "/x", Default(), 0).Kind)
}

func TestHopLimit(t *testing.T) {
	prev := post(t, "https://example.com/")
	assert.Equal(t, Follow, Decide(prev, http.StatusFound, "/x", Limited(3), 2).Kind)

	a := Decide(prev, http.StatusFound, "/x", Limited(3), 3)
	require.Equal(t, Fail, a.Kind)
	var re *transport.RedirectError
	require.ErrorAs(t, a.Err, &re)
	assert.True(t, re.TooManyHops)
	assert.Equal(t, 3, re.Hops)
	assert.ErrorIs(t, a.Err, transport.ErrTooManyRedirects)
}

func TestStopCases(t *testing.T) {
	prev := post(t, "https://example.com/")
	assert.Equal(t, Stop, Decide(prev, http.StatusOK, "/x", Default(), 0).Kind)
	assert.Equal(t, Stop, Decide(prev, http.StatusNotModified, "/x", Default(), 0).Kind)
	assert.Equal(t, Stop, Decide(prev, http.StatusFound, "", Default(), 0).Kind)
	assert.Equal(t, Stop, Decide(prev, http.StatusFound, "/x", None(), 0).Kind)
	assert.False(t, Policy{}.Enabled())
}

func TestBadLocation(t *testing.T) {
	prev := post(t, "https://example.com/")
	a := Decide(prev, http.StatusFound, "ftp://example.com/file", Default(), 0)
	require.Equal(t, Fail, a.Kind)
	var re *transport.RedirectError
	require.ErrorAs(t, a.Err, &re)
	assert.False(t, re.TooManyHops)

	a = Decide(prev, http.StatusFound, "http://[::1", Default(), 0)
	assert.Equal(t, Fail, a.Kind)
}

func TestCrossOriginStripsCredentials(t *testing.T) {
	prev := post(t, "https://example.com/a")
	prev.Method = http.MethodGet
	prev.HasBody = false

	same := Decide(prev, http.StatusFound, "/b", Default(), 0)
	require.Equal(t, Follow, same.Kind)
	assert.Equal(t, "Bearer t", same.Next.Header.Get("Authorization"))
	assert.Equal(t, []string{"a=1"}, same.Next.Header["cookie"])
	assert.Equal(t, "k", same.Next.Header.Get("X-Api-Key"))

	cross := Decide(prev, http.StatusFound, "https://other.example/b", Default(), 0)
	require.Equal(t, Follow, cross.Kind)
	assert.Empty(t, cross.Next.Header.Get("Authorization"))
	assert.NotContains(t, cross.Next.Header, "cookie")
	assert.Empty(t, cross.Next.Header.Get("X-Api-Key"))
	assert.Equal(t, "*/*", cross.Next.Header.Get("Accept"))

	p := Default()
	p.Headers = Preserve
	kept := Decide(prev, http.StatusFound, "https://other.example/b", p, 0)
	assert.Empty(t, kept.Next.Header.Get("Authorization"))
	assert.Equal(t, "k", kept.Next.Header.Get("X-Api-Key"))

	// Scheme or port changes count as cross-origin too.
	port := Decide(prev, http.StatusFound, "https://example.com:8443/b", Default(), 0)
	assert.Empty(t, port.Next.Header.Get("Authorization"))

	// The caller's header is never modified.
	assert.Equal(t, "Bearer t", prev.Header.Get("Authorization"))
}

func TestReferer(t *testing.T) {
	prev := post(t, "https://user:pw@example.com/a?q=1#frag")
	prev.Header.Set("Referer", "https://stale.example/")

	a := Decide(prev, http.StatusFound, "https://example.com/b", Default(), 0)
	assert.Equal(t, "https://example.com/a?q=1", a.Next.Header.Get("Referer"))

	down := Decide(prev, http.StatusFound, "http://example.com/b", Default(), 0)
	assert.Empty(t, down.Next.Header.Get("Referer"))
}

func TestFragmentCarriedOver(t *testing.T) {
	prev := post(t, "https://example.com/a#top")
	a := Decide(prev, http.StatusMovedPermanently, "/b", Default(), 0)
	assert.Equal(t, "https://example.com/b#top", a.Next.URL.String())

	a = Decide(prev, http.StatusMovedPermanently, "/b#end", Default(), 0)
	assert.Equal(t, "https://example.com/b#end", a.Next.URL.String())
}

func TestSameOrigin(t *testing.T) {
	assert.True(t, SameOrigin(mustURL(t, "https://Example.com/"), mustURL(t, "https://example.com:443/x")))
	assert.False(t, SameOrigin(mustURL(t, "https://example.com/"), mustURL(t, "http://example.com/")))
	assert.False(t, SameOrigin(mustURL(t, "http://example.com/"), mustURL(t, "http://example.com:8080/")))
}
