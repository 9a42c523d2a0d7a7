// SPDX-License-Identifier: GPL-3.0-or-later

package nettest

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/bassosimone/runtimex"
)

// pipelineRun is the execution context owning a moved [testConfig]
// while the pipeline advances from the configured to the finalized
// state. Exactly one goroutine drives a given pipelineRun.
type pipelineRun struct {
	// s is the moved configuration.
	s *testConfig

	// logger is the configured [Logger], possibly wrapped to tee
	// warnings to the error file.
	logger Logger

	// startTime is when the test started (recorded by stage 2).
	startTime time.Time

	// reportID identifies the report produced by this run.
	reportID string

	// collector is the collector address, from the bouncer or the
	// explicit option.
	collector string

	// testHelper is the helper address for this nettest, from the
	// bouncer or the explicit option.
	testHelper string

	// probeIP, probeASN, probeCC are the committed probe identity
	// fields, redacted according to policy.
	probeIP  string
	probeASN string
	probeCC  string

	// resolverIP is the discovered resolver address, if any.
	resolverIP string

	// report owns the output report file.
	report *reportFile
}

// runPipeline drives the moved configuration through the whole test
// sequence and returns the terminal outcome. It always reaches the
// finalized state: every hard failure short-circuits to finalization
// and the destroy callback fires on every path.
func runPipeline(ctx context.Context, s *testConfig) Failure {
	runtimex.Assert(s != nil)
	r := &pipelineRun{s: s, logger: s.logger, report: &reportFile{}}

	if s.errorFilepath != "" {
		if fp, err := os.Create(s.errorFilepath); err == nil {
			defer fp.Close()
			r.logger = &teeWarnLogger{Logger: s.logger, w: fp}
		} else {
			s.logger.Warn("cannotOpenErrorFile",
				slog.String("path", s.errorFilepath), slog.Any("err", err))
		}
	}

	defer r.invokeCallback("on_destroy", s.onDestroy)

	// Malformed options recorded during configuration surface here,
	// before any stage executes.
	if s.configErr != nil {
		r.logger.Warn("invalidConfiguration", slog.Any("err", s.configErr))
		return NewFailure(FailureValueError)
	}

	return r.run(ctx)
}

func (r *pipelineRun) run(ctx context.Context) Failure {
	s := r.s
	opts := s.options

	// 1. Log the configured options at debug severity.
	r.logOptions()
	r.progress(0.0, "starting "+s.variant.Name)

	// 2. Record the start time and tell the caller we're starting.
	r.startTime = s.cfg.TimeNow()
	r.reportID = newReportID(r.startTime)
	r.invokeCallback("on_begin", s.onBegin)

	// 3. Query the bouncer for the collector and the test helpers.
	// Failing to contact the bouncer fails the whole test.
	if !opts.GetBool(OptionNoBouncer, false) {
		r.progress(0.1, "contacting bouncer")
		result, err := newBouncerLookup(s.cfg, r.logger).Call(
			ctx,
			opts.GetString(OptionBouncerBaseURL, defaultBouncerBaseURL),
			s.variant.Name,
			s.variant.Version,
			bouncerHelperNames(s.variant),
		)
		if err != nil {
			return r.finish(NewFailureFromError(err))
		}
		r.collector = result.Collector
		r.testHelper = result.TestHelpers[s.variant.HelperName]
	}

	// 4. An explicitly configured collector overrides the bouncer.
	if value, found := opts.Get(OptionCollectorBaseURL); found {
		r.collector = value
	}

	// 5. An explicitly configured helper overrides the bouncer.
	if s.variant.HelperOption != "" {
		if value, found := opts.Get(s.variant.HelperOption); found {
			r.testHelper = value
		}
	}

	// 6. Discover the probe IP. On failure, keep the loopback address
	// unless the caller demanded strict behavior.
	probeIP := LoopbackIP
	if !opts.GetBool(OptionNoIPLookup, false) {
		r.progress(0.2, "looking up probe IP")
		addr, failure := newIPLookup(s.cfg, r.logger).Call(ctx)
		switch {
		case !failure.IsFailure():
			probeIP = addr
		case opts.GetBool(OptionFailIfIPLookupFails, false):
			return r.finish(failure)
		default:
			r.logger.Warn("ipLookupFailed",
				slog.String("failure", failure.Reason()),
				slog.String("detailedFailure", failure.DetailedReason()))
		}
	}

	// 7. Map the probe IP to a country code, when we have a country
	// database. Lookup failures degrade to the sentinel.
	probeCC := DefaultProbeCC
	if dbPath, found := opts.Get(OptionGeoIPCountryPath); found {
		r.progress(0.3, "looking up probe country")
		cc, err := newGeoLookup(s.cfg, r.logger).LookupCC(dbPath, probeIP)
		if err != nil {
			r.logger.Warn("geoipCountryFailed", slog.Any("err", err))
		}
		probeCC = cc
	}

	// 8. Same for the autonomous system number.
	probeASN := DefaultProbeASN
	if dbPath, found := opts.Get(OptionGeoIPASNPath); found {
		r.progress(0.4, "looking up probe ASN")
		asn, err := newGeoLookup(s.cfg, r.logger).LookupASN(dbPath, probeIP)
		if err != nil {
			r.logger.Warn("geoipASNFailed", slog.Any("err", err))
		}
		probeASN = asn
	}

	// 9-11. Redact whatever the caller did not ask us to save. This
	// runs after the lookups so the report always carries a
	// well-defined value rather than an absent field.
	if !opts.GetBool(OptionSaveProbeIP, false) {
		probeIP = LoopbackIP
	}
	if !opts.GetBool(OptionSaveProbeASN, true) {
		probeASN = DefaultProbeASN
	}
	if !opts.GetBool(OptionSaveProbeCC, true) {
		probeCC = DefaultProbeCC
	}

	// 12. Commit the redacted probe identity to the report.
	r.probeIP, r.probeASN, r.probeCC = probeIP, probeASN, probeCC
	r.logger.Info("probeIdentity",
		slog.String("probeIp", r.probeIP),
		slog.String("probeAsn", r.probeASN),
		slog.String("probeCc", r.probeCC),
	)

	// 13. Discover the resolver IP.
	if !opts.GetBool(OptionNoResolverLookup, false) {
		r.progress(0.5, "looking up resolver IP")
		addr, failure := newResolverLookup(s.cfg, r.logger).Call(
			ctx,
			opts.GetString(OptionDNSEngine, ""),
			opts.GetString(OptionDNSNameserver, ""),
		)
		switch {
		case !failure.IsFailure():
			r.resolverIP = addr
		case opts.GetBool(OptionFailIfResolverLookupFails, false):
			return r.finish(failure)
		default:
			r.logger.Warn("resolverLookupFailed",
				slog.String("failure", failure.Reason()),
				slog.String("detailedFailure", failure.DetailedReason()))
		}
	}

	// 14. Open the report file.
	if !opts.GetBool(OptionNoFileReport, false) {
		path := s.outputFilepath
		if path == "" {
			path = reportFileName(s.variant.Name, r.startTime)
		}
		rf, err := openReportFile(path)
		if err != nil {
			if opts.GetBool(OptionFailIfOpenFileReportFails, false) {
				return r.finish(NewFailureFromError(err))
			}
			r.logger.Warn("cannotOpenFileReport",
				slog.String("path", path), slog.Any("err", err))
		} else {
			r.report = rf
			r.logger.Info("fileReportOpen", slog.String("path", path))
		}
	}
	defer r.report.Close()

	// Run the actual measurement over each input.
	failure := r.measure(ctx)
	return r.finish(failure)
}

// measure runs the nettest measurement step for each configured input
// and writes one report entry per input. Measurement failures are
// recorded per entry and never fail the pipeline.
func (r *pipelineRun) measure(ctx context.Context) Failure {
	s := r.s
	inputs := r.gatherInputs()
	if len(inputs) < 1 {
		if s.variant.NeedsInput {
			return NewFailure(FailureMissingRequiredInput)
		}
		inputs = []string{""}
	}

	if maxRuntime := s.options.GetFloat64(OptionMaxRuntime, 0); maxRuntime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(
			ctx, time.Duration(maxRuntime*float64(time.Second)))
		defer cancel()
	}

	sess := &Session{
		Collector:  r.collector,
		Logger:     r.logger,
		Options:    s.options.clone(),
		ProbeASN:   r.probeASN,
		ProbeCC:    r.probeCC,
		ProbeIP:    r.probeIP,
		ResolverIP: r.resolverIP,
		TestHelper: r.testHelper,
	}

	for idx, input := range inputs {
		r.emitEvent("status.measurement_start", map[string]any{
			"idx": idx, "input": input,
		})
		measurementStart := s.cfg.TimeNow()
		testKeys, failure := s.nettest.Run(ctx, sess, input)
		if testKeys == nil {
			testKeys = make(map[string]any)
		}
		if failure.IsFailure() {
			testKeys["failure"] = failure.Reason()
			if len(failure.ChildFailures()) > 0 {
				testKeys["failure_details"] = json.RawMessage(failure.DetailedReason())
			}
			r.emitEvent("failure.measurement", map[string]any{
				"idx": idx, "failure": failure.Reason(),
			})
		}
		if r.resolverIP != "" {
			testKeys["client_resolver"] = r.resolverIP
		}
		entry := &ReportEntry{
			DataFormatVersion:    ReportDataFormatVersion,
			ID:                   newMeasurementID(),
			Input:                input,
			MeasurementStartTime: measurementStart.UTC().Format(dateTimeFormat),
			ProbeASN:             r.probeASN,
			ProbeCC:              r.probeCC,
			ProbeIP:              r.probeIP,
			ReportID:             r.reportID,
			SoftwareName:         s.options.GetString(OptionSoftwareName, defaultSoftwareName),
			SoftwareVersion:      s.options.GetString(OptionSoftwareVersion, defaultSoftwareVersion),
			TestKeys:             testKeys,
			TestName:             s.variant.Name,
			TestRuntime:          s.cfg.TimeNow().Sub(measurementStart).Seconds(),
			TestStartTime:        r.startTime.UTC().Format(dateTimeFormat),
			TestVersion:          s.variant.Version,
		}
		if err := r.report.WriteEntry(entry); err != nil {
			r.logger.Warn("cannotWriteReportEntry", slog.Any("err", err))
		}
		if s.onEntry != nil {
			serialized := entry.serialize()
			r.invokeCallback("on_entry", func() { s.onEntry(serialized) })
		}
		r.emitEvent("status.measurement_done", map[string]any{"idx": idx})
	}
	return Failure{}
}

// finish moves the pipeline to the finalized state, firing the end
// callback, and returns the terminal outcome.
func (r *pipelineRun) finish(failure Failure) Failure {
	r.progress(1.0, "done")
	r.logger.Info("testDone",
		slog.String("failure", failure.Reason()),
		slog.String("nettestName", r.s.variant.Name),
	)
	r.invokeCallback("on_end", r.s.onEnd)
	return failure
}

// gatherInputs combines the explicitly added inputs with the contents
// of the configured input files, one input per non-empty line. An
// unreadable input file is a recoverable anomaly.
func (r *pipelineRun) gatherInputs() []string {
	inputs := r.s.inputs
	for _, path := range r.s.inputFilepaths {
		fp, err := os.Open(path)
		if err != nil {
			r.logger.Warn("cannotOpenInputFile",
				slog.String("path", path), slog.Any("err", err))
			continue
		}
		scanner := bufio.NewScanner(fp)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				inputs = append(inputs, line)
			}
		}
		if err := scanner.Err(); err != nil {
			r.logger.Warn("cannotReadInputFile",
				slog.String("path", path), slog.Any("err", err))
		}
		fp.Close()
	}
	return inputs
}

// logOptions dumps the configured options and the option keys that
// this nettest additionally recognizes.
func (r *pipelineRun) logOptions() {
	for key, value := range r.s.options {
		r.logger.Debug("option",
			slog.String("key", key), slog.String("value", value))
	}
	for _, key := range r.s.variant.RecognizedOptions {
		r.logger.Debug("recognizedOption", slog.String("key", key))
	}
}

// progress reports the fraction of the test completed so far.
func (r *pipelineRun) progress(fraction float64, label string) {
	r.logger.Progress(fraction, label)
}

// emitEvent serializes and emits an event notification.
func (r *pipelineRun) emitEvent(key string, value map[string]any) {
	event := map[string]any{"key": key, "value": value}
	r.logger.Event(string(runtimex.PanicOnError1(json.Marshal(event))))
}

// invokeCallback invokes a caller-supplied callback containing any
// panic at the pipeline boundary: a misbehaving callback must not
// abort the pipeline or escape to the caller.
func (r *pipelineRun) invokeCallback(name string, cb func()) {
	if cb == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("callbackPanic",
				slog.String("callback", name), slog.Any("value", rec))
		}
	}()
	cb()
}

// bouncerHelperNames returns the helper names to request from the
// bouncer for the given variant.
func bouncerHelperNames(v Variant) []string {
	if v.HelperName == "" {
		return nil
	}
	return []string{v.HelperName}
}
