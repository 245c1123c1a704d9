package gateway

import "net/http"

// Test-only exports.

var FetchSDLForTest = fetchSDL

func NewEngineForTest(sdls, hosts map[string]string, httpClient *http.Client, settings *GatewayOption) (*engine, error) {
	return newEngine(sdls, hosts, httpClient, settings)
}

func (e *engine) PipelineForTest() interface{} { return e.pipeline() }

func (e *engine) ReloadForTest(name, sdl, host string) error { return e.reload(name, sdl, host) }

func NewGatewayWithEngineForTest(settings GatewayOption, eng *engine) *gateway {
	return &gateway{
		graphQLEndpoint: settings.Endpoint,
		serviceName:     settings.ServiceName,
		engine:          eng,
		settings:        settings,
	}
}

var NegotiateAcceptForTest = negotiateAccept

const (
	FramingJSONForTest                  = framingJSON
	FramingDeferMultipartForTest        = framingDeferMultipart
	FramingSubscriptionMultipartForTest = framingSubscriptionMultipart
	FramingUnacceptableForTest          = framingUnacceptable
)
