// SPDX-License-Identifier: GPL-3.0-or-later

package nettest

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
)

// resolverWhoamiDomain, resolved through the probe's resolver, returns
// an A record containing the public address of the resolver itself.
const resolverWhoamiDomain = "whoami.akamai.net."

// resolverLookup discovers the IP address of the DNS resolver used by
// the probe by sending a magic query through it.
//
// All fields are safe to modify after construction but before first
// use. Fields must not be mutated concurrently with calls to Call.
type resolverLookup struct {
	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Exchanger performs DNS exchanges.
	Exchanger DNSExchanger

	// Logger is the [Logger] to use.
	Logger Logger

	// ResolvConf reads the system DNS configuration.
	ResolvConf func() (*dns.ClientConfig, error)

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

func newResolverLookup(cfg *Config, logger Logger) *resolverLookup {
	return &resolverLookup{
		ErrClassifier: cfg.ErrClassifier,
		Exchanger:     cfg.DNSExchanger,
		Logger:        logger,
		ResolvConf:    cfg.ResolvConf,
		TimeNow:       cfg.TimeNow,
	}
}

// Call discovers the resolver IP using the given engine and nameserver
// hint (both may be empty, selecting the defaults). Servers are tried
// in order; when every attempt fails, the returned [Failure]
// aggregates the per-server failures.
func (op *resolverLookup) Call(ctx context.Context, engine, nameserver string) (string, Failure) {
	switch engine {
	case "", "udp":
		// the only engine implemented so far
	default:
		return "", NewFailure(fmt.Sprintf("unknown_failure: unsupported DNS engine %q", engine))
	}
	servers, err := op.servers(nameserver)
	if err != nil {
		return "", NewFailureFromError(err)
	}
	var failures []Failure
	for _, server := range servers {
		addr, err := op.queryServer(ctx, server)
		if err != nil {
			failures = append(failures, NewFailureFromError(err))
			continue
		}
		return addr, Failure{}
	}
	return "", MakeComposite(failures)
}

// servers returns the nameserver addresses to try, in "host:port"
// form. The explicit hint takes precedence over resolv.conf.
func (op *resolverLookup) servers(nameserver string) ([]string, error) {
	if nameserver != "" {
		if _, _, err := net.SplitHostPort(nameserver); err == nil {
			return []string{nameserver}, nil
		}
		return []string{net.JoinHostPort(nameserver, "53")}, nil
	}
	conf, err := op.ResolvConf()
	if err != nil {
		return nil, err
	}
	if len(conf.Servers) < 1 {
		return nil, fmt.Errorf("resolverlookup: no nameservers configured")
	}
	var servers []string
	for _, host := range conf.Servers {
		servers = append(servers, net.JoinHostPort(host, conf.Port))
	}
	return servers, nil
}

func (op *resolverLookup) queryServer(ctx context.Context, server string) (string, error) {
	t0 := op.TimeNow()
	op.Logger.Info(
		"resolverLookupStart",
		slog.String("serverAddr", server),
		slog.Time("t", t0),
	)
	addr, err := func() (string, error) {
		query := new(dns.Msg)
		query.SetQuestion(resolverWhoamiDomain, dns.TypeA)
		resp, err := op.Exchanger.Exchange(ctx, query, server)
		if err != nil {
			return "", err
		}
		if resp.Rcode != dns.RcodeSuccess {
			return "", fmt.Errorf("resolverlookup: query failed with rcode %s", dns.RcodeToString[resp.Rcode])
		}
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				return a.A.String(), nil
			}
		}
		return "", fmt.Errorf("resolverlookup: response contains no A record")
	}()
	op.Logger.Info(
		"resolverLookupDone",
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("resolverIp", addr),
		slog.String("serverAddr", server),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)
	return addr, err
}
