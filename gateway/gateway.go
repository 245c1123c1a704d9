// Package gateway assembles the request pipeline over the composed
// supergraph and serves it over HTTP: content negotiation, request
// decoding, single-JSON and multipart streamed framing, and hot schema
// reload.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/n9te9/go-graphql-federation-gateway/internal/assembler"
	"github.com/n9te9/go-graphql-federation-gateway/internal/gatewayconfig"
	"github.com/n9te9/go-graphql-federation-gateway/internal/lifecycle"
)

type GatewayService = gatewayconfig.Service

type GatewayOption = gatewayconfig.Config

type OpentelemetrySetting = gatewayconfig.OpentelemetrySetting

type OpentelemetryTracingSetting = gatewayconfig.OpentelemetryTracingSetting

// maxRequestBodyBytes bounds the inbound request body; anything larger
// answers 413.
const maxRequestBodyBytes = 1 << 20

type gateway struct {
	graphQLEndpoint string
	serviceName     string
	engine          *engine
	settings        GatewayOption
}

var _ http.Handler = (*gateway)(nil)

// NewGateway reads every configured subgraph's schema (from its schema
// files, or from the subgraph's own endpoint when no files are
// configured), composes them into one supergraph, and builds the
// request pipeline that serves GraphQL operations against it.
func NewGateway(settings GatewayOption) (*gateway, error) {
	httpClient := subgraphHTTPClient(settings)

	sdls := make(map[string]string, len(settings.Services))
	hosts := make(map[string]string, len(settings.Services))
	for _, s := range settings.Services {
		sdl, err := loadServiceSDL(s, httpClient)
		if err != nil {
			return nil, err
		}
		sdls[s.Name] = sdl
		hosts[s.Name] = s.Host
	}

	eng, err := newEngine(sdls, hosts, httpClient, &settings)
	if err != nil {
		return nil, err
	}

	return &gateway{
		graphQLEndpoint: settings.Endpoint,
		serviceName:     settings.ServiceName,
		engine:          eng,
		settings:        settings,
	}, nil
}

func subgraphHTTPClient(settings GatewayOption) *http.Client {
	timeout := 3 * time.Second
	if settings.Executor.SubgraphTimeoutMs > 0 {
		timeout = time.Duration(settings.Executor.SubgraphTimeoutMs) * time.Millisecond
	}
	httpClient := &http.Client{Timeout: timeout}
	if settings.Opentelemetry.TracingSetting.Enable {
		httpClient.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	return httpClient
}

func loadServiceSDL(s GatewayService, httpClient *http.Client) (string, error) {
	if len(s.SchemaFiles) == 0 {
		return fetchSDL(s.Host, httpClient, RetryOption{Attempts: 3, Timeout: "5s"})
	}
	var sdl []byte
	for _, f := range s.SchemaFiles {
		src, err := os.ReadFile(f)
		if err != nil {
			return "", err
		}
		sdl = append(sdl, src...)
		sdl = append(sdl, '\n')
	}
	return string(sdl), nil
}

// Reload re-composes the supergraph with name's SDL replaced and swaps
// the new pipeline in atomically; in-flight requests finish against
// the generation they started with.
func (g *gateway) Reload(name, sdl, host string) error {
	return g.engine.reload(name, sdl, host)
}

type graphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

// responseFraming is the outcome of Accept negotiation.
type responseFraming int

const (
	framingJSON responseFraming = iota
	framingDeferMultipart
	framingSubscriptionMultipart
	framingUnacceptable
)

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, status, err := decodeRequest(r)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}

	framing := negotiateAccept(r.Header.Get("Accept"))
	if framing == framingUnacceptable {
		http.Error(w, "no acceptable response content-type", http.StatusNotAcceptable)
		return
	}

	pipeline := g.engine.pipeline()

	ctx := r.Context()
	if g.settings.Executor.OperationTimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(g.settings.Executor.OperationTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	var header http.Header
	if g.settings.EnableHangOverRequestHeader {
		header = r.Header
	}
	lreq := lifecycle.Request{
		Query:         req.Query,
		OperationName: req.OperationName,
		Variables:     req.Variables,
		Header:        header,
	}

	switch framing {
	case framingSubscriptionMultipart:
		g.serveSubscription(ctx, w, pipeline, lreq)
	case framingDeferMultipart:
		if pipeline.IsStreaming(ctx, lreq) {
			g.serveDeferred(ctx, w, pipeline, lreq)
			return
		}
		g.serveJSON(ctx, w, pipeline, lreq)
	default:
		g.serveJSON(ctx, w, pipeline, lreq)
	}
}

func (g *gateway) serveJSON(ctx context.Context, w http.ResponseWriter, pipeline *lifecycle.Pipeline, req lifecycle.Request) {
	resp := pipeline.Handle(ctx, req)

	if ctx.Err() != nil && resp.Data == nil {
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (g *gateway) serveDeferred(ctx context.Context, w http.ResponseWriter, pipeline *lifecycle.Pipeline, req lifecycle.Request) {
	w.Header().Set("Content-Type", assembler.DeferContentType)
	w.WriteHeader(http.StatusOK)

	sw, err := assembler.NewStreamWriter(w)
	if err != nil {
		return
	}
	defer sw.Close()

	pipeline.HandleStream(ctx, req, sw.WriteChunk)
}

func (g *gateway) serveSubscription(ctx context.Context, w http.ResponseWriter, pipeline *lifecycle.Pipeline, req lifecycle.Request) {
	w.Header().Set("Content-Type", assembler.SubscriptionContentType)
	w.WriteHeader(http.StatusOK)

	sw, err := assembler.NewStreamWriter(w)
	if err != nil {
		return
	}
	defer sw.Close()

	pipeline.HandleSubscription(ctx, req, func(resp *lifecycle.Response) error {
		return sw.WriteChunk(assembler.Chunk{Data: resp.Data, Errors: resp.Errors, HasNext: true, Initial: true})
	})
}

// decodeRequest extracts the GraphQL request fields from a POST body or
// GET query string, answering 405/413/415/400 per spec.md §6.
func decodeRequest(r *http.Request) (graphQLRequest, int, error) {
	switch r.Method {
	case http.MethodPost:
		ct := mediaType(r.Header.Get("Content-Type"))
		if ct != "application/json" && ct != "application/graphql-response+json" {
			return graphQLRequest{}, http.StatusUnsupportedMediaType, fmt.Errorf("unsupported content-type %q", ct)
		}
		var req graphQLRequest
		body := http.MaxBytesReader(nil, r.Body, maxRequestBodyBytes)
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			if strings.Contains(err.Error(), "request body too large") {
				return graphQLRequest{}, http.StatusRequestEntityTooLarge, fmt.Errorf("request body too large")
			}
			return graphQLRequest{}, http.StatusBadRequest, fmt.Errorf("malformed request body: %v", err)
		}
		return req, 0, nil

	case http.MethodGet:
		q := r.URL.Query()
		req := graphQLRequest{
			Query:         q.Get("query"),
			OperationName: q.Get("operationName"),
		}
		if req.Query == "" {
			return graphQLRequest{}, http.StatusBadRequest, fmt.Errorf("missing query parameter")
		}
		if raw := q.Get("variables"); raw != "" {
			decoded, err := url.QueryUnescape(raw)
			if err != nil {
				decoded = raw
			}
			if err := json.Unmarshal([]byte(decoded), &req.Variables); err != nil {
				return graphQLRequest{}, http.StatusBadRequest, fmt.Errorf("malformed variables parameter: %v", err)
			}
		}
		return req, 0, nil

	default:
		return graphQLRequest{}, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method)
	}
}

// negotiateAccept picks the response framing from the client's Accept
// header: single JSON for application/json, */* or an absent header;
// multipart streaming when multipart/mixed is offered with the matching
// spec parameter.
func negotiateAccept(accept string) responseFraming {
	if accept == "" {
		return framingJSON
	}

	acceptsJSON := false
	for _, part := range strings.Split(accept, ",") {
		mt := mediaType(part)
		params := strings.ToLower(part)
		switch {
		case mt == "multipart/mixed" && strings.Contains(params, "subscriptionspec"):
			return framingSubscriptionMultipart
		case mt == "multipart/mixed" && strings.Contains(params, "deferspec=20220824"):
			return framingDeferMultipart
		case mt == "application/json" || mt == "application/graphql-response+json" || mt == "*/*":
			acceptsJSON = true
		}
	}
	if acceptsJSON {
		return framingJSON
	}
	return framingUnacceptable
}

func mediaType(headerValue string) string {
	mt := headerValue
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = mt[:i]
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

func (g *gateway) Start(port int) error {
	fmt.Printf("Gateway started on port %d\n", port)
	return http.ListenAndServe(fmt.Sprintf(":%d", port), g)
}
