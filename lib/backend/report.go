/*
 * Identity Graph
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package backend

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

// ReporterConfig configures the reporter wrapper.
type ReporterConfig struct {
	// Backend is the backend to wrap.
	Backend Backend
	// TrackTopRequests turns on tracking of the most frequently
	// requested key prefixes.
	TrackTopRequests bool
}

// CheckAndSetDefaults checks and sets defaults.
func (r *ReporterConfig) CheckAndSetDefaults() error {
	if r.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	return nil
}

// Reporter wraps a Backend implementation and reports statistics about
// the backend operations.
type Reporter struct {
	// ReporterConfig contains reporter wrapper configuration.
	ReporterConfig
}

// NewReporter returns a new Reporter.
func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Reporter{ReporterConfig: cfg}, nil
}

// Create creates the item if it does not exist.
func (s *Reporter) Create(ctx context.Context, i Item) (*Lease, error) {
	start := s.Clock().Now()
	lease, err := s.Backend.Create(ctx, i)
	writeLatencies.Observe(time.Since(start).Seconds())
	writeRequests.Inc()
	if err != nil && !trace.IsAlreadyExists(err) {
		writeRequestsFailed.Inc()
	}
	s.trackRequest(i.Key, nil)
	return lease, err
}

// Put puts value into the backend.
func (s *Reporter) Put(ctx context.Context, i Item) (*Lease, error) {
	start := s.Clock().Now()
	lease, err := s.Backend.Put(ctx, i)
	writeLatencies.Observe(time.Since(start).Seconds())
	writeRequests.Inc()
	if err != nil {
		writeRequestsFailed.Inc()
	}
	s.trackRequest(i.Key, nil)
	return lease, err
}

// Update updates an existing item.
func (s *Reporter) Update(ctx context.Context, i Item) (*Lease, error) {
	start := s.Clock().Now()
	lease, err := s.Backend.Update(ctx, i)
	writeLatencies.Observe(time.Since(start).Seconds())
	writeRequests.Inc()
	if err != nil && !trace.IsNotFound(err) {
		writeRequestsFailed.Inc()
	}
	s.trackRequest(i.Key, nil)
	return lease, err
}

// CompareAndSwap compares the expected item with the stored one and
// replaces it on match.
func (s *Reporter) CompareAndSwap(ctx context.Context, expected Item, replaceWith Item) (*Lease, error) {
	start := s.Clock().Now()
	lease, err := s.Backend.CompareAndSwap(ctx, expected, replaceWith)
	writeLatencies.Observe(time.Since(start).Seconds())
	writeRequests.Inc()
	if err != nil && !trace.IsCompareFailed(err) {
		writeRequestsFailed.Inc()
	}
	s.trackRequest(expected.Key, nil)
	return lease, err
}

// Get returns a single item or a not found error.
func (s *Reporter) Get(ctx context.Context, key []byte) (*Item, error) {
	start := s.Clock().Now()
	item, err := s.Backend.Get(ctx, key)
	readLatencies.Observe(time.Since(start).Seconds())
	readRequests.Inc()
	if err != nil && !trace.IsNotFound(err) {
		readRequestsFailed.Inc()
	}
	s.trackRequest(key, nil)
	return item, err
}

// GetRange returns a query range.
func (s *Reporter) GetRange(ctx context.Context, startKey []byte, endKey []byte, limit int) (*GetResult, error) {
	start := s.Clock().Now()
	res, err := s.Backend.GetRange(ctx, startKey, endKey, limit)
	batchReadLatencies.Observe(time.Since(start).Seconds())
	batchReadRequests.Inc()
	if err != nil {
		batchReadRequestsFailed.Inc()
	}
	s.trackRequest(startKey, endKey)
	return res, err
}

// Delete deletes an item by key.
func (s *Reporter) Delete(ctx context.Context, key []byte) error {
	start := s.Clock().Now()
	err := s.Backend.Delete(ctx, key)
	writeLatencies.Observe(time.Since(start).Seconds())
	writeRequests.Inc()
	if err != nil && !trace.IsNotFound(err) {
		writeRequestsFailed.Inc()
	}
	s.trackRequest(key, nil)
	return err
}

// DeleteRange deletes a range of items.
func (s *Reporter) DeleteRange(ctx context.Context, startKey, endKey []byte) error {
	start := s.Clock().Now()
	err := s.Backend.DeleteRange(ctx, startKey, endKey)
	writeLatencies.Observe(time.Since(start).Seconds())
	writeRequests.Inc()
	if err != nil {
		writeRequestsFailed.Inc()
	}
	s.trackRequest(startKey, endKey)
	return err
}

// Close closes the wrapped backend.
func (s *Reporter) Close() error {
	return s.Backend.Close()
}

// Clock returns the clock used by the wrapped backend.
func (s *Reporter) Clock() clockwork.Clock {
	return s.Backend.Clock()
}

// trackRequest tracks top requests, endKey is supplied for ranges.
func (s *Reporter) trackRequest(key []byte, endKey []byte) {
	if !s.TrackTopRequests {
		return
	}
	if len(key) == 0 {
		return
	}
	// take just the first two parts, otherwise too many distinct
	// requests can end up in the map
	parts := bytes.Split(key, []byte{Separator})
	if len(parts) > 3 {
		parts = parts[:3]
	}
	rangeSuffix := "false"
	if len(endKey) != 0 {
		rangeSuffix = "true"
	}
	counter, err := requests.GetMetricWithLabelValues(string(bytes.Join(parts, []byte{Separator})), rangeSuffix)
	if err != nil {
		slog.Warn("Failed to get counter", "error", err)
		return
	}
	counter.Inc()
}

var (
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_requests",
			Help: "Number of requests to the backend by key prefix",
		},
		[]string{"req", "range"},
	)
	writeRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backend_write_requests_total",
			Help: "Number of write requests to the backend",
		},
	)
	writeRequestsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backend_write_requests_failed_total",
			Help: "Number of failed write requests to the backend",
		},
	)
	readRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backend_read_requests_total",
			Help: "Number of read requests to the backend",
		},
	)
	readRequestsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backend_read_requests_failed_total",
			Help: "Number of failed read requests to the backend",
		},
	)
	batchReadRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backend_batch_read_requests_total",
			Help: "Number of range read requests to the backend",
		},
	)
	batchReadRequestsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backend_batch_read_requests_failed_total",
			Help: "Number of failed range read requests to the backend",
		},
	)
	writeLatencies = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "backend_write_seconds",
			Help: "Latency for backend write operations",
			// lowest bucket start of upper bound 0.001 sec (1 ms) with factor 2
			// highest bucket start of 0.001 sec * 2^15 == 32.768 sec
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)
	readLatencies = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "backend_read_seconds",
			Help: "Latency for read operations",
			// lowest bucket start of upper bound 0.001 sec (1 ms) with factor 2
			// highest bucket start of 0.001 sec * 2^15 == 32.768 sec
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)
	batchReadLatencies = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "backend_batch_read_seconds",
			Help: "Latency for range read operations",
			// lowest bucket start of upper bound 0.001 sec (1 ms) with factor 2
			// highest bucket start of 0.001 sec * 2^15 == 32.768 sec
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)
)

func init() {
	// Metrics have to be registered to be exposed:
	prometheus.MustRegister(requests)
	prometheus.MustRegister(writeRequests)
	prometheus.MustRegister(writeRequestsFailed)
	prometheus.MustRegister(readRequests)
	prometheus.MustRegister(readRequestsFailed)
	prometheus.MustRegister(batchReadRequests)
	prometheus.MustRegister(batchReadRequestsFailed)
	prometheus.MustRegister(writeLatencies)
	prometheus.MustRegister(readLatencies)
	prometheus.MustRegister(batchReadLatencies)
}
