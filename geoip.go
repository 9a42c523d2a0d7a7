// SPDX-License-Identifier: GPL-3.0-or-later

package nettest

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/oschwald/geoip2-golang"
)

// Sentinels recorded when the corresponding probe attribute is
// unavailable or redacted. Downstream consumers never need to handle
// an absent probe-identity field.
const (
	// DefaultProbeCC is the sentinel country code.
	DefaultProbeCC = "ZZ"

	// DefaultProbeASN is the sentinel autonomous system number.
	DefaultProbeASN = "AS0"
)

// GeoIPResolver abstracts lookups into MaxMind-format databases.
//
// By making database access depend on an abstract implementation we
// allow for unit testing without real database files.
type GeoIPResolver interface {
	// Country returns the ISO country code for ip using the country
	// database at dbPath.
	Country(dbPath string, ip net.IP) (string, error)

	// ASN returns the autonomous system number for ip using the ASN
	// database at dbPath.
	ASN(dbPath string, ip net.IP) (uint, error)
}

// maxmindGeoIPResolver is the default [GeoIPResolver] opening the
// database file on each lookup.
type maxmindGeoIPResolver struct{}

var _ GeoIPResolver = maxmindGeoIPResolver{}

// Country implements [GeoIPResolver].
func (maxmindGeoIPResolver) Country(dbPath string, ip net.IP) (string, error) {
	reader, err := geoip2.Open(dbPath)
	if err != nil {
		return "", err
	}
	defer reader.Close()
	record, err := reader.Country(ip)
	if err != nil {
		return "", err
	}
	return record.Country.IsoCode, nil
}

// ASN implements [GeoIPResolver].
func (maxmindGeoIPResolver) ASN(dbPath string, ip net.IP) (uint, error) {
	reader, err := geoip2.Open(dbPath)
	if err != nil {
		return 0, err
	}
	defer reader.Close()
	record, err := reader.ASN(ip)
	if err != nil {
		return 0, err
	}
	return record.AutonomousSystemNumber, nil
}

// geoLookup maps the probe IP to its country code and autonomous
// system number using MaxMind-format databases.
//
// All fields are safe to modify after construction but before first
// use. Fields must not be mutated concurrently with calls to the
// lookup methods.
type geoLookup struct {
	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [Logger] to use.
	Logger Logger

	// Resolver performs the database lookups.
	Resolver GeoIPResolver

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

func newGeoLookup(cfg *Config, logger Logger) *geoLookup {
	return &geoLookup{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Resolver:      cfg.GeoIPResolver,
		TimeNow:       cfg.TimeNow,
	}
}

// LookupCC maps probeIP to its country code using the country database
// at dbPath. On failure it returns [DefaultProbeCC] and the error.
func (op *geoLookup) LookupCC(dbPath, probeIP string) (string, error) {
	t0 := op.TimeNow()
	cc, err := func() (string, error) {
		ip := net.ParseIP(probeIP)
		if ip == nil {
			return DefaultProbeCC, fmt.Errorf("geoip: invalid probe IP %q", probeIP)
		}
		cc, err := op.Resolver.Country(dbPath, ip)
		if err != nil {
			return DefaultProbeCC, err
		}
		if cc == "" {
			return DefaultProbeCC, fmt.Errorf("geoip: no country for %q", probeIP)
		}
		return cc, nil
	}()
	op.logLookupDone("geoipCountryDone", dbPath, cc, t0, err)
	return cc, err
}

// LookupASN maps probeIP to its autonomous system number (formatted
// as "AS123") using the ASN database at dbPath. On failure it returns
// [DefaultProbeASN] and the error.
func (op *geoLookup) LookupASN(dbPath, probeIP string) (string, error) {
	t0 := op.TimeNow()
	asn, err := func() (string, error) {
		ip := net.ParseIP(probeIP)
		if ip == nil {
			return DefaultProbeASN, fmt.Errorf("geoip: invalid probe IP %q", probeIP)
		}
		asn, err := op.Resolver.ASN(dbPath, ip)
		if err != nil {
			return DefaultProbeASN, err
		}
		if asn <= 0 {
			return DefaultProbeASN, fmt.Errorf("geoip: no ASN for %q", probeIP)
		}
		return fmt.Sprintf("AS%d", asn), nil
	}()
	op.logLookupDone("geoipASNDone", dbPath, asn, t0, err)
	return asn, err
}

func (op *geoLookup) logLookupDone(event, dbPath, value string, t0 time.Time, err error) {
	op.Logger.Info(
		event,
		slog.String("dbPath", dbPath),
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("value", value),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)
}
