// SPDX-License-Identifier: GPL-3.0-or-later

package nettest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// BouncerResult is the outcome of a successful bouncer lookup.
type BouncerResult struct {
	// Collector is the collector address chosen by the bouncer.
	Collector string

	// TestHelpers maps each helper name to its address. May be empty
	// when the queried nettest does not use helpers.
	TestHelpers map[string]string
}

// bouncerNettestRequest describes one nettest in a bouncer request.
type bouncerNettestRequest struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	TestHelpers []string `json:"test-helpers"`
}

// bouncerRequest is the serialized bouncer request body.
type bouncerRequest struct {
	NetTests []bouncerNettestRequest `json:"net-tests"`
}

// bouncerNettestResponse describes one nettest in a bouncer response.
type bouncerNettestResponse struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Collector   string            `json:"collector"`
	TestHelpers map[string]string `json:"test-helpers"`
}

// bouncerResponse is the deserialized bouncer response body.
type bouncerResponse struct {
	NetTests []bouncerNettestResponse `json:"net-tests"`
}

// bouncerLookup queries an OONI bouncer to discover the collector and
// the test helpers for a given nettest.
//
// All fields are safe to modify after construction but before first
// use. Fields must not be mutated concurrently with calls to Call.
type bouncerLookup struct {
	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// HTTPClient performs the bouncer round trip.
	HTTPClient *http.Client

	// Logger is the [Logger] to use.
	Logger Logger

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

func newBouncerLookup(cfg *Config, logger Logger) *bouncerLookup {
	return &bouncerLookup{
		ErrClassifier: cfg.ErrClassifier,
		HTTPClient:    cfg.HTTPClient,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// maxBouncerResponseBody bounds the bouncer response body size.
const maxBouncerResponseBody = 1 << 20

// Call contacts the bouncer at baseURL and returns the collector and
// helper addresses for the nettest with the given name and version.
func (op *bouncerLookup) Call(ctx context.Context, baseURL string,
	name, version string, helpers []string) (*BouncerResult, error) {
	t0 := op.TimeNow()
	requestURL := baseURL + "/bouncer/net-tests"
	op.logLookupStart(requestURL, name, t0)
	result, err := op.roundTrip(ctx, requestURL, name, version, helpers)
	op.logLookupDone(requestURL, name, t0, result, err)
	return result, err
}

func (op *bouncerLookup) roundTrip(ctx context.Context, requestURL string,
	name, version string, helpers []string) (*BouncerResult, error) {
	body, err := json.Marshal(bouncerRequest{
		NetTests: []bouncerNettestRequest{{
			Name:        name,
			Version:     version,
			TestHelpers: helpers,
		}},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := op.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bouncer: unexpected response status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBouncerResponseBody))
	if err != nil {
		return nil, err
	}
	var parsed bouncerResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.NetTests) < 1 {
		return nil, fmt.Errorf("bouncer: response does not contain any nettest entry")
	}
	entry := parsed.NetTests[0]
	if entry.Collector == "" {
		return nil, fmt.Errorf("bouncer: response does not contain a collector")
	}
	return &BouncerResult{
		Collector:   entry.Collector,
		TestHelpers: entry.TestHelpers,
	}, nil
}

func (op *bouncerLookup) logLookupStart(requestURL, name string, t0 time.Time) {
	op.Logger.Info(
		"bouncerLookupStart",
		slog.String("bouncerUrl", requestURL),
		slog.String("nettestName", name),
		slog.Time("t", t0),
	)
}

func (op *bouncerLookup) logLookupDone(
	requestURL, name string, t0 time.Time, result *BouncerResult, err error) {
	var (
		collector string
		helpers   map[string]string
	)
	if result != nil {
		collector = result.Collector
		helpers = result.TestHelpers
	}
	op.Logger.Info(
		"bouncerLookupDone",
		slog.String("bouncerUrl", requestURL),
		slog.String("collector", collector),
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("nettestName", name),
		slog.Any("testHelpers", helpers),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)
}
