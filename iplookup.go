// SPDX-License-Identifier: GPL-3.0-or-later

package nettest

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// LoopbackIP is the sentinel recorded as the probe IP when the real
// address is unavailable or redacted.
const LoopbackIP = "127.0.0.1"

// IPLookupService describes one IP-echo service: a URL returning the
// caller's public address plus the function parsing its body.
type IPLookupService struct {
	// URL is the service endpoint.
	URL string

	// Parse extracts the IP address string from the response body.
	Parse func(body []byte) (string, error)
}

// ubuntuGeoIPResponse is the XML document served by geoip.ubuntu.com.
type ubuntuGeoIPResponse struct {
	XMLName xml.Name `xml:"Response"`
	IP      string   `xml:"Ip"`
}

func parseUbuntuGeoIP(body []byte) (string, error) {
	var parsed ubuntuGeoIPResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	return parsed.IP, nil
}

// ipifyResponse is the JSON document served by api64.ipify.org.
type ipifyResponse struct {
	IP string `json:"ip"`
}

func parseIpify(body []byte) (string, error) {
	var parsed ipifyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	return parsed.IP, nil
}

// DefaultIPLookupServices are tried in order; the first success wins.
var DefaultIPLookupServices = []IPLookupService{
	{URL: "https://geoip.ubuntu.com/lookup", Parse: parseUbuntuGeoIP},
	{URL: "https://api64.ipify.org/?format=json", Parse: parseIpify},
}

// ipLookup discovers the public IP address of the probe by querying
// external IP-echo services.
//
// All fields are safe to modify after construction but before first
// use. Fields must not be mutated concurrently with calls to Call.
type ipLookup struct {
	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// HTTPClient performs the echo requests.
	HTTPClient *http.Client

	// Logger is the [Logger] to use.
	Logger Logger

	// Services are the echo services to try, in order.
	Services []IPLookupService

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

func newIPLookup(cfg *Config, logger Logger) *ipLookup {
	return &ipLookup{
		ErrClassifier: cfg.ErrClassifier,
		HTTPClient:    cfg.HTTPClient,
		Logger:        logger,
		Services:      cfg.IPLookupServices,
		TimeNow:       cfg.TimeNow,
	}
}

// maxIPLookupResponseBody bounds the echo response body size.
const maxIPLookupResponseBody = 1 << 14

// Call queries each configured service in order and returns the first
// successfully discovered probe IP. When every service fails, the
// returned [Failure] aggregates the per-service failures and the
// returned address is [LoopbackIP]. An empty service list is a failure
// as well, so that strict-mode callers never observe a vacuous success.
func (op *ipLookup) Call(ctx context.Context) (string, Failure) {
	if len(op.Services) < 1 {
		return LoopbackIP, NewFailure(FailureNoIPLookupServices)
	}
	var failures []Failure
	for _, svc := range op.Services {
		addr, err := op.queryService(ctx, svc)
		if err != nil {
			failures = append(failures, NewFailureFromError(err))
			continue
		}
		return addr, Failure{}
	}
	return LoopbackIP, MakeComposite(failures)
}

func (op *ipLookup) queryService(ctx context.Context, svc IPLookupService) (string, error) {
	t0 := op.TimeNow()
	op.Logger.Info(
		"ipLookupStart",
		slog.String("serviceUrl", svc.URL),
		slog.Time("t", t0),
	)
	addr, err := func() (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.URL, nil)
		if err != nil {
			return "", err
		}
		resp, err := op.HTTPClient.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("iplookup: unexpected response status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxIPLookupResponseBody))
		if err != nil {
			return "", err
		}
		addr, err := svc.Parse(body)
		if err != nil {
			return "", err
		}
		if net.ParseIP(addr) == nil {
			return "", fmt.Errorf("iplookup: service returned invalid IP address %q", addr)
		}
		return addr, nil
	}()
	op.Logger.Info(
		"ipLookupDone",
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("probeIp", addr),
		slog.String("serviceUrl", svc.URL),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)
	return addr, err
}
