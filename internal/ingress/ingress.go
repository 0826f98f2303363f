package ingress

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"hemis-telemetry/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store persistence used at ingest.
type Store interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
	InsertReading(ctx context.Context, r *models.Reading) (int64, error)
	TouchLastSeen(ctx context.Context, deviceID string, seenAt time.Time) error
}

// MetricCatalog resolves metric reference data.
type MetricCatalog interface {
	Metric(metricID string) (models.Metric, bool)
}

// Sink receives every accepted reading. Consume must return promptly;
// implementations queue or drop rather than apply backpressure.
type Sink interface {
	Consume(r models.Reading)
}

// SinkFunc adapts a func to Sink.
type SinkFunc func(r models.Reading)

func (f SinkFunc) Consume(r models.Reading) { f(r) }

// Observer counts ingest outcomes.
type Observer interface {
	ReadingAccepted(metricID string)
	ReadingRejected(reason string)
}

// Option configures an Ingress.
type Option func(*Ingress)

// WithClock overrides time.Now for readings without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(i *Ingress) { i.now = now }
}

// WithMaxClockSkew bounds how far ahead of the server clock a device
// timestamp may run. Later timestamps are replaced by the arrival time.
// Zero disables the check.
func WithMaxClockSkew(d time.Duration) Option {
	return func(i *Ingress) { i.maxSkew = d }
}

// WithObserver attaches outcome counters.
func WithObserver(o Observer) Option {
	return func(i *Ingress) { i.observer = o }
}

// deviceSession per-device ingest state. Its mutex is the only lock held
// across a reading's acceptance, so unrelated devices never contend.
type deviceSession struct {
	mu       sync.Mutex
	lastSeen time.Time
}

// Ingress validates, stores and forwards readings.
type Ingress struct {
	store    Store
	metrics  MetricCatalog
	sinks    []Sink
	now      func() time.Time
	maxSkew  time.Duration
	observer Observer
	logger   *zap.Logger

	sessionsMu sync.Mutex
	sessions   map[string]*deviceSession
}

// NewIngress creates an ingress forwarding accepted readings to sinks in order.
func NewIngress(store Store, metrics MetricCatalog, sinks []Sink, logger *zap.Logger, opts ...Option) *Ingress {
	i := &Ingress{
		store:    store,
		metrics:  metrics,
		sinks:    sinks,
		now:      time.Now,
		logger:   logger,
		sessions: map[string]*deviceSession{},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest accepts a single sample. A zero timestamp means "now" and an empty
// quality means "ok". Validation failures are *models.ValidationError.
func (i *Ingress) Ingest(ctx context.Context, deviceID, metricID string, value float64, ts time.Time, quality models.Quality) (models.Reading, error) {
	device, err := i.lookupDevice(ctx, deviceID)
	if err != nil {
		return models.Reading{}, err
	}
	return i.ingest(ctx, device, metricID, value, ts, quality, false)
}

func (i *Ingress) lookupDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	if deviceID == "" {
		return nil, i.reject(models.NewValidationError(models.CodeUnknownDevice, "device_id", "device_id is required"))
	}
	device, err := i.store.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, i.reject(models.NewValidationError(models.CodeUnknownDevice, "device_id", fmt.Sprintf("device %s is not registered", deviceID)))
		}
		return nil, fmt.Errorf("failed to look up device %s: %w", deviceID, err)
	}
	return device, nil
}

func (i *Ingress) ingest(ctx context.Context, device *models.Device, metricID string, value float64, ts time.Time, quality models.Quality, simulated bool) (models.Reading, error) {
	if quality == "" {
		quality = models.QualityOK
	}
	if !quality.Valid() {
		return models.Reading{}, i.reject(models.NewValidationError(models.CodeInvalidQuality, "quality", fmt.Sprintf("unknown quality %q", quality)))
	}

	metric, ok := i.metrics.Metric(metricID)
	if !ok {
		return models.Reading{}, i.reject(models.NewValidationError(models.CodeUnknownMetric, "metric", fmt.Sprintf("metric %s is not registered", metricID)))
	}

	if math.IsNaN(value) || math.IsInf(value, 0) {
		return models.Reading{}, i.reject(models.NewValidationError(models.CodeInvalidValue, metricID, "value is not finite"))
	}
	raw := decimal.NewFromFloat(value)
	if !metric.InRange(raw) {
		return models.Reading{}, i.reject(models.NewValidationError(models.CodeInvalidValue, metricID,
			fmt.Sprintf("%s outside [%s, %s] %s", raw.String(), metric.MinValue.String(), metric.MaxValue.String(), metric.Unit)))
	}

	ts = i.stamp(device.ID, ts)
	reading := models.Reading{
		DeviceID:    device.ID,
		MetricID:    metricID,
		Timestamp:   ts.UTC(),
		Value:       raw.Round(metric.Precision),
		Quality:     quality,
		IsSimulated: simulated,
		PatientID:   device.PatientID,
	}

	id, err := i.store.InsertReading(ctx, &reading)
	if err != nil {
		return models.Reading{}, fmt.Errorf("failed to store reading for device %s: %w", device.ID, err)
	}
	reading.ID = id

	i.touchLastSeen(ctx, device.ID, reading.Timestamp)

	if i.observer != nil {
		i.observer.ReadingAccepted(metricID)
	}
	for _, sink := range i.sinks {
		sink.Consume(reading)
	}
	return reading, nil
}

// stamp fills a missing timestamp and pulls one from a fast device clock
// back to the arrival time, so it cannot pin last_seen_at or fall outside
// the trend window it triggers.
func (i *Ingress) stamp(deviceID string, ts time.Time) time.Time {
	now := i.now()
	if ts.IsZero() {
		return now
	}
	if i.maxSkew > 0 && ts.After(now.Add(i.maxSkew)) {
		i.logger.Warn("Device clock ahead of server, using arrival time",
			zap.String("device_id", deviceID),
			zap.Time("device_ts", ts),
			zap.Duration("ahead", ts.Sub(now)),
		)
		return now
	}
	return ts
}

// touchLastSeen advances last_seen_at under the device's session lock.
// A failure is logged; the reading is already stored and stays accepted.
func (i *Ingress) touchLastSeen(ctx context.Context, deviceID string, seenAt time.Time) {
	s := i.session(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !seenAt.After(s.lastSeen) {
		return
	}
	if err := i.store.TouchLastSeen(ctx, deviceID, seenAt); err != nil {
		i.logger.Warn("Failed to update device last_seen_at",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return
	}
	s.lastSeen = seenAt
}

func (i *Ingress) session(deviceID string) *deviceSession {
	i.sessionsMu.Lock()
	defer i.sessionsMu.Unlock()
	s, ok := i.sessions[deviceID]
	if !ok {
		s = &deviceSession{}
		i.sessions[deviceID] = s
	}
	return s
}

// LastSeen returns the last accepted reading time this process recorded for a device.
func (i *Ingress) LastSeen(deviceID string) (time.Time, bool) {
	i.sessionsMu.Lock()
	s, ok := i.sessions[deviceID]
	i.sessionsMu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen, !s.lastSeen.IsZero()
}

func (i *Ingress) reject(err *models.ValidationError) error {
	if i.observer != nil {
		i.observer.ReadingRejected(err.Code)
	}
	return err
}

// Record multi-metric device sample.
type Record struct {
	DeviceID    string             `json:"device_id"`
	Timestamp   time.Time          `json:"timestamp"`
	Values      map[string]float64 `json:"values"`
	Quality     models.Quality     `json:"quality,omitempty"`
	IsSimulated bool               `json:"is_simulated"`
}

// Rejection one metric that was not accepted.
type Rejection struct {
	Metric  string `json:"metric"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RecordResult per-metric outcome of IngestRecord.
type RecordResult struct {
	DeviceID       string           `json:"device_id"`
	FingerDetected bool             `json:"finger_detected"`
	Accepted       []models.Reading `json:"accepted"`
	Rejected       []Rejection      `json:"rejected"`
}

// IngestRecord feeds every metric of a record through ingest. An unknown
// device rejects the whole record. A store failure stops processing and is
// returned alongside whatever was accepted before it.
//
// heart_rate and spo2 both exactly 0 means the finger is off the sensor:
// those readings are stored as sensor-error and never evaluated.
func (i *Ingress) IngestRecord(ctx context.Context, rec Record) (RecordResult, error) {
	result := RecordResult{DeviceID: rec.DeviceID}
	if len(rec.Values) == 0 {
		return result, i.reject(models.NewValidationError(models.CodeInvalidPayload, "values", "record carries no readings"))
	}

	device, err := i.lookupDevice(ctx, rec.DeviceID)
	if err != nil {
		return result, err
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = i.now()
	}

	fingerOff := false
	hr, hasHR := rec.Values[models.MetricHeartRate]
	spo2, hasSpO2 := rec.Values[models.MetricSpO2]
	if hasHR && hasSpO2 && hr == 0 && spo2 == 0 {
		fingerOff = true
	}
	result.FingerDetected = !fingerOff

	metricIDs := make([]string, 0, len(rec.Values))
	for m := range rec.Values {
		metricIDs = append(metricIDs, m)
	}
	sort.Strings(metricIDs)

	for _, metricID := range metricIDs {
		quality := rec.Quality
		if fingerOff && (metricID == models.MetricHeartRate || metricID == models.MetricSpO2) {
			quality = models.QualitySensorError
		}

		reading, err := i.ingest(ctx, device, metricID, rec.Values[metricID], ts, quality, rec.IsSimulated)
		if err != nil {
			var ve *models.ValidationError
			if errors.As(err, &ve) {
				result.Rejected = append(result.Rejected, Rejection{Metric: metricID, Code: ve.Code, Message: ve.Message})
				continue
			}
			return result, err
		}
		result.Accepted = append(result.Accepted, reading)
	}
	return result, nil
}
