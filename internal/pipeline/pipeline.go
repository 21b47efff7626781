/*
Copyright (c) Facebook, Inc. and its affiliates.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package pipeline wires the capture-facing intake activity, the
// decode+correlate process activity, the periodic expiry sweep and the
// scrape server together. None of the four ever busy-loops; intake is
// lossy by design (try-enqueue), everything else blocks on its own
// suspension point.
package pipeline

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dnsqosd/dnsqosd/internal/correlate"
	"github.com/dnsqosd/dnsqosd/internal/decode"
	"github.com/dnsqosd/dnsqosd/internal/metrics"
)

// expireCadence is the fixed interval the expiry sweep runs at,
// independent of the configured correlation TTL: an entry may live up to
// ttl+expireCadence before being counted as a timeout.
const expireCadence = 10 * time.Second

// Frame is a single timestamped raw link-layer frame, as handed off by the
// capture collaborator.
type Frame struct {
	Timestamp time.Time
	Data      []byte
}

// FrameSource is the narrow "await next item" abstraction the process
// activity consumes. It is implemented by the real capture collaborator in
// internal/capture and by a scripted stream in tests; the pipeline never
// depends on the concrete capture library.
type FrameSource interface {
	// Next blocks until a frame is available, ctx is done, or the source is
	// exhausted/closed, whichever happens first.
	Next(ctx context.Context) (Frame, error)
}

// Config carries the knobs named in the command-line surface.
type Config struct {
	// BufferSize is the capacity of the bounded intake queue.
	BufferSize int
	// TTL is the correlation table's outstanding-query deadline.
	TTL time.Duration
	// ListenAddr is the host:port the scrape server binds.
	ListenAddr string
}

// Pipeline is the orchestrator (C5): it owns the bounded intake queue, the
// correlation table, and the scrape server, and runs the four concurrent
// activities described by the spec.
type Pipeline struct {
	source  FrameSource
	decoder *decode.Decoder
	table   *correlate.Table
	sink    *metrics.Sink
	cfg     Config

	queue chan Frame
}

// New builds a Pipeline around source and sink, with its own correlation
// table and a fixed *decode.Decoder.
func New(source FrameSource, sink *metrics.Sink, cfg Config) *Pipeline {
	return &Pipeline{
		source:  source,
		decoder: &decode.Decoder{},
		table:   correlate.New(cfg.TTL),
		sink:    sink,
		cfg:     cfg,
		queue:   make(chan Frame, cfg.BufferSize),
	}
}

// Run starts the four activities and blocks until ctx is cancelled or one
// of them returns an error, at which point the rest are signalled to stop
// via errgroup's shared context and Run returns that error (nil on clean
// shutdown).
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    p.cfg.ListenAddr,
		Handler: p.scrapeHandler(),
	}

	g.Go(func() error { return p.intake(gctx) })
	g.Go(func() error { return p.process(gctx) })
	g.Go(func() error { return p.expireLoop(gctx) })
	g.Go(func() error { return p.serve(gctx, srv) })

	return g.Wait()
}

// intake drains the capture collaborator and enqueues every frame with
// try-enqueue semantics: if the bounded queue is full, the frame is
// dropped and a warning logged. This is the pipeline's sole backpressure
// policy and it never blocks on a full queue.
func (p *Pipeline) intake(ctx context.Context) error {
	for {
		frame, err := p.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case p.queue <- frame:
		default:
			log.Warn("intake buffer full, dropping frame")
			p.sink.RecordFrameDropped("buffer_full")
		}
	}
}

// process is the single consumer of the intake queue: it decodes each
// frame and feeds the correlation table and metrics sink. Because exactly
// one process activity exists, handling a given fingerprint is strictly
// serial and needs no locking beyond the correlation table's own.
func (p *Pipeline) process(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-p.queue:
			p.processFrame(frame)
		}
	}
}

func (p *Pipeline) processFrame(frame Frame) {
	pkt, err := p.decoder.Decode(frame.Data, frame.Timestamp)
	if err != nil {
		kind := "Unknown"
		var decErr *decode.DecodeError
		if errors.As(err, &decErr) {
			kind = decErr.Kind.String()
		}
		log.WithField("kind", kind).Debug("dropping undecodable frame")
		p.sink.RecordDecodeError(kind)
		return
	}

	fp := pkt.Fingerprint()
	body := pkt.Body()

	if !body.IsAnswer {
		p.sink.RecordQuery()
		for _, q := range body.Questions {
			p.sink.RecordQuestion(q.Type, q.Class)
		}
		p.table.AddQuery(fp, correlate.Query{Timestamp: body.Timestamp, Questions: body.Questions})
		return
	}

	p.sink.RecordAnswer(body.RCode.String())
	query, matched := p.table.MatchAnswer(fp)
	if !matched {
		return
	}
	latency := body.Timestamp.Sub(query.Timestamp)
	if latency < 0 {
		p.sink.RecordClockRegression()
		return
	}
	p.sink.ObserveQueryLatency(latency)
}

// expireLoop sweeps the correlation table on a fixed cadence, independent
// of the configured TTL, and records the number of entries timed out.
func (p *Pipeline) expireLoop(ctx context.Context) error {
	ticker := time.NewTicker(expireCadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n := p.table.Expire(now)
			p.sink.RecordQueryTimeouts(n)
		}
	}
}

func (p *Pipeline) scrapeHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.sink.Registry(), promhttp.HandlerOpts{}))
	return mux
}

// serve runs the scrape server until ctx is done, then shuts it down
// gracefully.
func (p *Pipeline) serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("scrape server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
