// Package httpdest implements the HTTP and SOAP destination adapter.
// Redirects are followed manually so every hop is observable, basic auth is
// applied per request, and SOAP faults in 2xx bodies classify as application
// errors rather than retryable failures.
package httpdest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/plexushub/plexus"
)

// maxResponseBytes bounds how much of a response body is read and stored.
const maxResponseBytes = 10 << 20

// Adapter sends connector messages over HTTP. It implements
// plexus.DestinationAdapter.
type Adapter struct {
	url          string
	method       string
	contentType  string
	headers      map[string]string
	username     string
	password     string
	timeout      time.Duration
	maxRedirects int
	soapAction   string
	soap         bool

	wsdl      *WSDLConfig
	client    *http.Client
	logger    *slog.Logger
	mu        sync.Mutex
	responses map[responseKey]string
}

type responseKey struct {
	messageID  int64
	metaDataID int
}

var _ plexus.DestinationAdapter = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithMethod sets the request method. Default POST.
func WithMethod(m string) Option {
	return func(a *Adapter) { a.method = m }
}

// WithContentType sets the Content-Type header. Default text/plain.
func WithContentType(ct string) Option {
	return func(a *Adapter) { a.contentType = ct }
}

// WithHeader adds a static request header.
func WithHeader(name, value string) Option {
	return func(a *Adapter) { a.headers[name] = value }
}

// WithBasicAuth applies basic authentication to every request, including
// redirect hops.
func WithBasicAuth(username, password string) Option {
	return func(a *Adapter) {
		a.username = username
		a.password = password
	}
}

// WithTimeout bounds each send, redirects included. Expiry surfaces as a
// connection error, so queue-enabled destinations retry it.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// WithMaxRedirects overrides the redirect bound. Default 20.
func WithMaxRedirects(n int) Option {
	return func(a *Adapter) { a.maxRedirects = n }
}

// WithSOAP enables SOAP handling: the SOAPAction header is sent and response
// bodies are inspected for fault elements.
func WithSOAP(action string) Option {
	return func(a *Adapter) {
		a.soap = true
		a.soapAction = action
		if a.contentType == "" || a.contentType == "text/plain" {
			a.contentType = "text/xml; charset=utf-8"
		}
	}
}

// WithWSDL resolves the endpoint and SOAP action from a WSDL definition at
// start time instead of a static URL. Implies SOAP handling.
func WithWSDL(cfg WSDLConfig) Option {
	return func(a *Adapter) {
		a.soap = true
		a.wsdl = &cfg
		if a.contentType == "" || a.contentType == "text/plain" {
			a.contentType = "text/xml; charset=utf-8"
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New builds an HTTP destination adapter targeting url.
func New(url string, opts ...Option) *Adapter {
	a := &Adapter{
		url:          url,
		method:       http.MethodPost,
		contentType:  "text/plain",
		headers:      make(map[string]string),
		maxRedirects: 20,
		logger:       slog.New(discardHandler{}),
		responses:    make(map[responseKey]string),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Start builds the HTTP client. Redirects are disabled on the client; Send
// follows them itself so the hop count is enforced and logged.
func (a *Adapter) Start(ctx context.Context) error {
	a.client = &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	if a.wsdl != nil {
		def, err := DefaultWSDLCache.Resolve(ctx, *a.wsdl)
		if err != nil {
			return plexus.Classify("wsdl resolve", err)
		}
		a.url = def.Endpoint
		if a.soapAction == "" && a.wsdl.Operation != "" {
			a.soapAction = def.Actions[a.wsdl.Operation]
		}
		a.logger.Debug("resolved endpoint from wsdl", "endpoint", a.url, "action", a.soapAction)
	}
	return nil
}

// Stop releases idle connections.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.client != nil {
		a.client.CloseIdleConnections()
	}
	return nil
}

// Send delivers the connector message's SENT content and classifies the
// outcome: transport failures and timeouts are connection errors, HTTP
// failure statuses and SOAP faults are application errors.
func (a *Adapter) Send(ctx context.Context, cm *plexus.ConnectorMessage) error {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	body := cm.ContentText(plexus.ContentSent)
	status, respBody, err := a.roundTrip(ctx, a.method, a.url, body)
	if err != nil {
		return plexus.Classify("http send", err)
	}
	if status < 200 || status > 299 {
		return &plexus.ErrApplication{Kind: "http", Status: status, Message: snippet(respBody)}
	}
	if a.soap {
		if fault := detectFault(respBody); fault != "" {
			return &plexus.ErrApplication{Kind: "soap-fault", Status: status, Message: fault}
		}
	}
	a.mu.Lock()
	a.responses[responseKey{cm.MessageID, cm.MetaDataID}] = respBody
	a.mu.Unlock()
	return nil
}

// roundTrip performs the request and follows redirects manually, up to the
// configured bound. 303 and the legacy 301/302 replay as GET without a body;
// 307/308 repeat the original method and body.
func (a *Adapter) roundTrip(ctx context.Context, method, url, body string) (int, string, error) {
	for hop := 0; ; hop++ {
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return 0, "", err
		}
		if body != "" {
			req.Header.Set("Content-Type", a.contentType)
		}
		if a.soap {
			req.Header.Set("SOAPAction", fmt.Sprintf("%q", a.soapAction))
		}
		for name, value := range a.headers {
			req.Header.Set(name, value)
		}
		if a.username != "" {
			req.SetBasicAuth(a.username, a.password)
		}

		resp, err := a.client.Do(req)
		if err != nil {
			return 0, "", err
		}
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if err != nil {
			return 0, "", err
		}

		if !isRedirect(resp.StatusCode) {
			return resp.StatusCode, string(respBody), nil
		}
		if hop >= a.maxRedirects {
			return 0, "", &plexus.ErrApplication{Kind: "http", Status: resp.StatusCode,
				Message: fmt.Sprintf("redirect limit of %d exceeded", a.maxRedirects)}
		}
		location := resp.Header.Get("Location")
		if location == "" {
			return 0, "", &plexus.ErrApplication{Kind: "http", Status: resp.StatusCode,
				Message: "redirect without Location header"}
		}
		next, err := resp.Request.URL.Parse(location)
		if err != nil {
			return 0, "", err
		}
		a.logger.Debug("following redirect", "hop", hop+1, "status", resp.StatusCode, "location", next.String())
		url = next.String()
		if resp.StatusCode == http.StatusSeeOther ||
			resp.StatusCode == http.StatusMovedPermanently ||
			resp.StatusCode == http.StatusFound {
			method = http.MethodGet
			body = ""
		}
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// Response returns and forgets the body captured by the matching Send.
func (a *Adapter) Response(cm *plexus.ConnectorMessage) string {
	key := responseKey{cm.MessageID, cm.MetaDataID}
	a.mu.Lock()
	defer a.mu.Unlock()
	body := a.responses[key]
	delete(a.responses, key)
	return body
}

// snippet truncates a body for use in an error message.
func snippet(body string) string {
	const limit = 512
	body = strings.TrimSpace(body)
	if len(body) > limit {
		return body[:limit] + "..."
	}
	return body
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
