package httpdest

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// WSDLConfig identifies a WSDL-described endpoint. Service and Port select
// the address when the definition describes more than one; empty values
// select the first. Operation picks the SOAPAction.
type WSDLConfig struct {
	URL       string
	Username  string
	Password  string
	Service   string
	Port      string
	Operation string
}

// Definition is the parsed result: the resolved endpoint address and the
// SOAPAction per operation name.
type Definition struct {
	Endpoint string
	Actions  map[string]string
}

// cacheKey deliberately excludes Operation: one fetched definition serves
// every operation of the same service and port.
type cacheKey struct {
	url, username, password, service, port string
}

// WSDLCache fetches and caches WSDL definitions. Entries are reused until
// Forget is called, so repeated destination starts do not refetch.
type WSDLCache struct {
	mu      sync.Mutex
	entries map[cacheKey]*Definition
}

// DefaultWSDLCache is the process-wide cache used by adapters.
var DefaultWSDLCache = NewWSDLCache()

// NewWSDLCache returns an empty cache.
func NewWSDLCache() *WSDLCache {
	return &WSDLCache{entries: make(map[cacheKey]*Definition)}
}

// Resolve returns the cached definition for cfg, fetching and parsing the
// WSDL on first use.
func (c *WSDLCache) Resolve(ctx context.Context, cfg WSDLConfig) (*Definition, error) {
	key := cacheKey{cfg.URL, cfg.Username, cfg.Password, cfg.Service, cfg.Port}
	c.mu.Lock()
	def, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return def, nil
	}

	def, err := fetchDefinition(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[key] = def
	c.mu.Unlock()
	return def, nil
}

// Forget drops the cached entry for cfg, forcing a refetch on next Resolve.
func (c *WSDLCache) Forget(cfg WSDLConfig) {
	key := cacheKey{cfg.URL, cfg.Username, cfg.Password, cfg.Service, cfg.Port}
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func fetchDefinition(ctx context.Context, cfg WSDLConfig) (*Definition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	if cfg.Username != "" {
		req.SetBasicAuth(cfg.Username, cfg.Password)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpdest: fetch wsdl %s: status %d", cfg.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	return parseDefinition(string(body), cfg.Service, cfg.Port)
}

// parseDefinition extracts the soap address of the selected service/port and
// the SOAPAction declared for each binding operation.
func parseDefinition(doc, service, port string) (*Definition, error) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	def := &Definition{Actions: make(map[string]string)}
	var currentService, currentPort, currentOperation string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("httpdest: parse wsdl: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			if end, ok := tok.(xml.EndElement); ok {
				switch end.Name.Local {
				case "service":
					currentService = ""
				case "port":
					currentPort = ""
				}
			}
			continue
		}
		switch start.Name.Local {
		case "service":
			currentService = attr(start, "name")
		case "port":
			currentPort = attr(start, "name")
		case "address":
			if currentService == "" {
				continue
			}
			if (service == "" || service == currentService) &&
				(port == "" || port == currentPort) &&
				def.Endpoint == "" {
				def.Endpoint = attr(start, "location")
			}
		case "operation":
			if name := attr(start, "name"); name != "" {
				currentOperation = name
			} else if action := attr(start, "soapAction"); action != "" && currentOperation != "" {
				// The soap:operation child carries the action for the
				// enclosing wsdl:operation.
				def.Actions[currentOperation] = action
			}
		}
	}
	if def.Endpoint == "" {
		return nil, fmt.Errorf("httpdest: wsdl has no address for service %q port %q", service, port)
	}
	return def, nil
}

func attr(e xml.StartElement, name string) string {
	for _, a := range e.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
