package httpdest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plexushub/plexus"
)

func sentMessage(body string) *plexus.ConnectorMessage {
	cm := &plexus.ConnectorMessage{MessageID: 1, MetaDataID: 1}
	cm.SetContent(&plexus.MessageContent{Type: plexus.ContentSent, Content: body, DataType: "RAW"})
	return cm
}

func startAdapter(t *testing.T, a *Adapter) {
	t.Helper()
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
}

func TestSendDeliversBodyAndCapturesResponse(t *testing.T) {
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody.Store(string(b))
		fmt.Fprint(w, "ACK")
	}))
	defer srv.Close()

	a := New(srv.URL)
	startAdapter(t, a)

	cm := sentMessage("MSH|payload")
	if err := a.Send(context.Background(), cm); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotBody.Load() != "MSH|payload" {
		t.Fatalf("server received %q", gotBody.Load())
	}
	if got := a.Response(cm); got != "ACK" {
		t.Fatalf("response = %q", got)
	}
	if got := a.Response(cm); got != "" {
		t.Fatalf("response not forgotten after read: %q", got)
	}
}

func TestSendAppliesBasicAuthAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("X-Trace") != "t1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}))
	defer srv.Close()

	a := New(srv.URL, WithBasicAuth("alice", "secret"), WithHeader("X-Trace", "t1"))
	startAdapter(t, a)

	if err := a.Send(context.Background(), sentMessage("x")); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestHTTPFailureIsApplicationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such endpoint", http.StatusNotFound)
	}))
	defer srv.Close()

	a := New(srv.URL)
	startAdapter(t, a)

	err := a.Send(context.Background(), sentMessage("x"))
	var app *plexus.ErrApplication
	if !errors.As(err, &app) {
		t.Fatalf("err = %v, want application error", err)
	}
	if app.Status != http.StatusNotFound || app.Kind != "http" {
		t.Fatalf("app = %+v", app)
	}
	if plexus.IsRetryable(err) {
		t.Fatal("http failure classified retryable")
	}
}

func TestConnectionRefusedIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	a := New(url)
	startAdapter(t, a)

	err := a.Send(context.Background(), sentMessage("x"))
	if err == nil {
		t.Fatal("send to closed server succeeded")
	}
	if !plexus.IsRetryable(err) {
		t.Fatalf("connection failure not retryable: %v", err)
	}
}

func TestTimeoutIsConnectionError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	a := New(srv.URL, WithTimeout(50*time.Millisecond))
	startAdapter(t, a)

	err := a.Send(context.Background(), sentMessage("x"))
	if err == nil {
		t.Fatal("send did not time out")
	}
	if !plexus.IsRetryable(err) {
		t.Fatalf("timeout not retryable: %v", err)
	}
}

func TestRedirectsFollowedManually(t *testing.T) {
	var hits atomic.Int32
	var final *httptest.Server
	final = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "landed")
	}))
	defer final.Close()
	hopper := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL, http.StatusTemporaryRedirect)
	}))
	defer hopper.Close()

	a := New(hopper.URL)
	startAdapter(t, a)

	cm := sentMessage("x")
	if err := a.Send(context.Background(), cm); err != nil {
		t.Fatalf("send: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("final server hit %d times", hits.Load())
	}
	if a.Response(cm) != "landed" {
		t.Fatal("response body not taken from final hop")
	}
}

func TestRedirectLimitEnforced(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL, http.StatusFound)
	}))
	defer srv.Close()

	a := New(srv.URL, WithMaxRedirects(3))
	startAdapter(t, a)

	err := a.Send(context.Background(), sentMessage("x"))
	var app *plexus.ErrApplication
	if !errors.As(err, &app) {
		t.Fatalf("err = %v, want application error", err)
	}
}

func TestSOAPFaultIn2xxBodyIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("SOAPAction") != `"urn:submit"` {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
			<soap:Body><soap:Fault>
				<faultcode>soap:Server</faultcode>
				<faultstring>patient not found</faultstring>
			</soap:Fault></soap:Body></soap:Envelope>`)
	}))
	defer srv.Close()

	a := New(srv.URL, WithSOAP("urn:submit"))
	startAdapter(t, a)

	err := a.Send(context.Background(), sentMessage("<req/>"))
	var app *plexus.ErrApplication
	if !errors.As(err, &app) {
		t.Fatalf("err = %v, want application error", err)
	}
	if app.Kind != "soap-fault" || app.Message != "patient not found" {
		t.Fatalf("app = %+v", app)
	}
	if plexus.IsRetryable(err) {
		t.Fatal("soap fault classified retryable")
	}
}

func TestSOAPSuccessPassesFaultScan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
			<soap:Body><SubmitResponse>ok</SubmitResponse></soap:Body></soap:Envelope>`)
	}))
	defer srv.Close()

	a := New(srv.URL, WithSOAP("urn:submit"))
	startAdapter(t, a)

	cm := sentMessage("<req/>")
	if err := a.Send(context.Background(), cm); err != nil {
		t.Fatalf("send: %v", err)
	}
	if a.Response(cm) == "" {
		t.Fatal("response body missing")
	}
}
