package entropy

import (
	"net"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// fakeSource points a Source at an in-memory server.
func fakeSource(t *testing.T, handler fasthttp.RequestHandler) *Source {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go fasthttp.Serve(ln, handler)
	t.Cleanup(func() { ln.Close() })

	s := NewSource("key")
	s.url = "http://random.test/invoke"
	s.client = &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	return s
}

func TestSeedWithoutKey(t *testing.T) {
	var nilSource *Source
	for _, s := range []*Source{nilSource, NewSource("")} {
		if s.Enabled() {
			t.Error("source without key reports enabled")
		}
		if v := s.Seed(); v <= 0 {
			t.Errorf("Seed() = %d, want positive", v)
		}
	}
}

func TestSeedFromPool(t *testing.T) {
	calls := 0
	s := fakeSource(t, func(ctx *fasthttp.RequestCtx) {
		calls++
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"jsonrpc":"2.0","result":{"random":{"data":[11,0,22]}},"id":1}`)
	})

	if got := s.Seed(); got != 11 {
		t.Errorf("first seed = %d, want 11", got)
	}
	if got := s.Seed(); got != 22 {
		t.Errorf("second seed = %d, want 22 (zero skipped)", got)
	}
	if calls != 1 {
		t.Errorf("server called %d times, want 1", calls)
	}
}

func TestSeedFallsBackOnAPIError(t *testing.T) {
	s := fakeSource(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString(`{"jsonrpc":"2.0","error":{"message":"quota exceeded"},"id":1}`)
	})
	if got := s.Seed(); got <= 0 {
		t.Errorf("fallback seed = %d, want positive", got)
	}
	if len(s.pool) != 0 {
		t.Errorf("pool = %v after API error", s.pool)
	}
}
