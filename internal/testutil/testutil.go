// Package testutil holds helpers shared by tests that exercise the /debug/
// routes. tsweb only serves those to loopback callers.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// LoopbackAddr is the RemoteAddr given to debug requests.
const LoopbackAddr = "127.0.0.1:12345"

// DebugRequest builds a request that appears to come from localhost. A
// non-nil form is sent url-encoded as the body.
func DebugRequest(method, path string, form url.Values) *http.Request {
	body := ""
	if form != nil {
		body = form.Encode()
	}
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.RemoteAddr = LoopbackAddr
	return req
}

// ServeDebug runs a loopback GET for path against h.
func ServeDebug(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, DebugRequest(http.MethodGet, path, nil))
	return rec
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Errorf("status code = %d, want %d (body %q)", rec.Code, want, rec.Body.String())
	}
}
