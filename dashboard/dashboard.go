// Package dashboard records training scalars for later inspection.
//
// Trackers push raw losses and metric results through a Dashboard; backends
// decide where they end up (an SQL history table, a plotting sidecar, or
// nowhere).
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
)

// Dashboard is the observability sink used by the training loop
type Dashboard interface {
	// UpdateAxes advances the named axis counter, e.g. "train/step"
	UpdateAxes(axis string)

	// AddScalar records a single value under tag
	AddScalar(tag string, value float64)

	// AddAny records a metric result that may be a scalar, a keyed mapping
	// or a sequence. Numeric members are recorded as scalars.
	AddAny(tag string, value interface{})

	// Close flushes pending data and releases the backend
	Close() error
}

// Nil discards everything
type Nil struct{}

func (Nil) UpdateAxes(string)          {}
func (Nil) AddScalar(string, float64)  {}
func (Nil) AddAny(string, interface{}) {}
func (Nil) Close() error               { return nil }

// Multi fans every call out to several dashboards
type Multi []Dashboard

func (m Multi) UpdateAxes(axis string) {
	for _, d := range m {
		d.UpdateAxes(axis)
	}
}

func (m Multi) AddScalar(tag string, value float64) {
	for _, d := range m {
		d.AddScalar(tag, value)
	}
}

func (m Multi) AddAny(tag string, value interface{}) {
	for _, d := range m {
		d.AddAny(tag, value)
	}
}

func (m Multi) Close() error {
	var errs []error
	for _, d := range m {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AxisValue is the position of one axis at the time a scalar was recorded
type AxisValue struct {
	Axis string
	Step int
}

// Axes holds the axis counters shared by a backend
type Axes struct {
	mu       sync.Mutex
	counters map[string]int
	order    []string
}

// Update advances axis by one, registering it on first use
func (a *Axes) Update(axis string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.counters == nil {
		a.counters = make(map[string]int)
	}
	if _, ok := a.counters[axis]; !ok {
		a.order = append(a.order, axis)
	}
	a.counters[axis]++
}

// Step returns the current count of axis
func (a *Axes) Step(axis string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters[axis]
}

// Snapshot returns every axis in registration order
func (a *Axes) Snapshot() []AxisValue {
	a.mu.Lock()
	defer a.mu.Unlock()

	values := make([]AxisValue, len(a.order))
	for i, axis := range a.order {
		values[i] = AxisValue{Axis: axis, Step: a.counters[axis]}
	}
	return values
}

// Flatten expands a metric result into scalar tags. Maps contribute
// "<tag>/<key>" entries in key order, sequences "<tag>/<index>".
// Non-numeric members are skipped.
func Flatten(tag string, value interface{}) map[string]float64 {
	out := make(map[string]float64)
	flattenInto(out, tag, value)
	return out
}

func flattenInto(out map[string]float64, tag string, value interface{}) {
	switch v := value.(type) {
	case float64:
		out[tag] = v
	case float32:
		out[tag] = float64(v)
	case int:
		out[tag] = float64(v)
	case map[string]float64:
		for key, member := range v {
			out[tag+"/"+key] = member
		}
	case map[string]interface{}:
		for key, member := range v {
			flattenInto(out, tag+"/"+key, member)
		}
	case []float64:
		for i, member := range v {
			out[fmt.Sprintf("%s/%d", tag, i)] = member
		}
	case []interface{}:
		for i, member := range v {
			flattenInto(out, fmt.Sprintf("%s/%d", tag, i), member)
		}
	}
}

// sortedTags returns the keys of scalars in order
func sortedTags(scalars map[string]float64) []string {
	tags := make([]string, 0, len(scalars))
	for tag := range scalars {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Config selects and parameterizes dashboard backends
type Config struct {
	// Backends is a comma separated list of none, sqlite, postgres, sidecar
	Backends string

	// DSN is the database path (sqlite) or connection string (postgres)
	DSN string

	// SidecarURL is the base URL of the plotting sidecar
	SidecarURL string

	// RunName labels the run in every backend
	RunName string
}

// New builds the dashboard described by config. An empty or "none"
// selection yields Nil.
func New(ctx context.Context, config Config, logger *slog.Logger) (Dashboard, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var backends Multi
	for _, name := range strings.Split(config.Backends, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "", "none":
		case "sqlite", "postgres":
			driver := DriverSQLite
			if strings.EqualFold(strings.TrimSpace(name), "postgres") {
				driver = DriverPostgres
			}
			w, err := OpenSQLWriter(ctx, driver, config.DSN, config.RunName, logger)
			if err != nil {
				backends.Close()
				return nil, err
			}
			backends = append(backends, w)
		case "sidecar":
			sidecarConfig := DefaultSidecarConfig()
			if config.SidecarURL != "" {
				sidecarConfig.BaseURL = config.SidecarURL
			}
			sidecarConfig.ModelName = config.RunName
			backends = append(backends, NewSidecar(sidecarConfig, logger))
		default:
			backends.Close()
			return nil, fmt.Errorf("unknown dashboard backend %q", name)
		}
	}

	switch len(backends) {
	case 0:
		return Nil{}, nil
	case 1:
		return backends[0], nil
	default:
		return backends, nil
	}
}
