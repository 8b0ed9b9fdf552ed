package httpmediator

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/qemunet/vmnet/policy"
)

type fakeDoer struct {
	captured *http.Request
	resp     *http.Response
	err      error
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.captured = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func okResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: 200,
		Status:     "200 OK",
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func readResponse(t *testing.T, raw []byte) *http.Response {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		t.Fatalf("reading synthetic response: %v", err)
	}
	return resp
}

// TestSecretSubstitutionInHeader exercises spec's seed scenario 1: a
// guest runs `curl https://api.github.com/user` with a $TOKEN placeholder
// in the Authorization header of a bodyless GET. The upstream request must
// carry the real secret, and the placeholder must never reach the wire.
func TestSecretSubstitutionInHeader(t *testing.T) {
	pol := policy.New(policy.Config{
		AllowedHosts: []string{"api.github.com"},
		Secrets: []policy.SecretBinding{
			{Name: "$TOKEN", Value: "sk-real", AllowedHost: "api.github.com"},
		},
	})
	doer := &fakeDoer{resp: okResponse(`{"login":"octocat"}`)}
	m := &Mediator{Policy: pol, Client: doer, Scheme: "https"}

	req := "GET /user HTTP/1.1\r\nHost: api.github.com\r\nAuthorization: Bearer $TOKEN\r\n\r\n"
	var out bytes.Buffer
	if err := m.Serve(strings.NewReader(req), &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if doer.captured == nil {
		t.Fatal("upstream client was never called")
	}
	got := doer.captured.Header.Get("Authorization")
	if got != "Bearer sk-real" {
		t.Fatalf("want substituted Authorization header, got %q", got)
	}
	if strings.Contains(out.String(), "$TOKEN") {
		t.Fatal("placeholder must never appear on the wire after substitution")
	}

	resp := readResponse(t, out.Bytes())
	if resp.StatusCode != 200 {
		t.Fatalf("want 200 passed through to guest, got %d", resp.StatusCode)
	}
}

func TestSecretSubstitutionInBody(t *testing.T) {
	pol := policy.New(policy.Config{
		AllowedHosts: []string{"api.example.com"},
		Secrets: []policy.SecretBinding{
			{Name: "$KEY", Value: "real-key", AllowedHost: "api.example.com"},
		},
	})
	doer := &fakeDoer{resp: okResponse("ok")}
	m := &Mediator{Policy: pol, Client: doer, Scheme: "https"}

	body := `{"key":"$KEY"}`
	req := "POST /submit HTTP/1.1\r\nHost: api.example.com\r\nContent-Length: " +
		strconv.Itoa(len(body)) + "\r\n\r\n" + body
	var out bytes.Buffer
	if err := m.Serve(strings.NewReader(req), &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	sent, err := io.ReadAll(doer.captured.Body)
	if err != nil {
		t.Fatalf("reading upstream body: %v", err)
	}
	if strings.Contains(string(sent), "$KEY") {
		t.Fatal("placeholder must never reach the upstream request body")
	}
	if !strings.Contains(string(sent), "real-key") {
		t.Fatalf("want substituted secret in body, got %q", sent)
	}
}

// TestHostNotAllowedReturns403 exercises the host_not_allowed seed
// scenario: a request to a host outside the allowlist never reaches the
// upstream client and is answered with a synthetic 403 instead.
func TestHostNotAllowedReturns403(t *testing.T) {
	pol := policy.New(policy.Config{AllowedHosts: []string{"api.github.com"}})
	doer := &fakeDoer{resp: okResponse("should never be reached")}
	m := &Mediator{Policy: pol, Client: doer, Scheme: "https"}

	req := "GET / HTTP/1.1\r\nHost: evil.example.com\r\n\r\n"
	var out bytes.Buffer
	if err := m.Serve(strings.NewReader(req), &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if doer.captured != nil {
		t.Fatal("upstream client must not be called for a disallowed host")
	}

	resp := readResponse(t, out.Bytes())
	if resp.StatusCode != 403 {
		t.Fatalf("want 403, got %d", resp.StatusCode)
	}
}

// TestSecretOnDisallowedHostReturns403 covers a secret bound to one host
// but presented to another: substitution must fail closed, never forward
// the placeholder nor the real secret value.
func TestSecretOnDisallowedHostReturns403(t *testing.T) {
	pol := policy.New(policy.Config{
		AllowedHosts: []string{"api.github.com", "evil.example.com"},
		Secrets: []policy.SecretBinding{
			{Name: "$TOKEN", Value: "sk-real", AllowedHost: "api.github.com"},
		},
	})
	doer := &fakeDoer{resp: okResponse("should never be reached")}
	m := &Mediator{Policy: pol, Client: doer, Scheme: "https"}

	req := "GET / HTTP/1.1\r\nHost: evil.example.com\r\nAuthorization: Bearer $TOKEN\r\n\r\n"
	var out bytes.Buffer
	if err := m.Serve(strings.NewReader(req), &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if doer.captured != nil {
		t.Fatal("upstream client must not be called when secret substitution is blocked")
	}
	resp := readResponse(t, out.Bytes())
	if resp.StatusCode != 403 {
		t.Fatalf("want 403, got %d", resp.StatusCode)
	}
}
