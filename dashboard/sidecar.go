package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SidecarConfig contains configuration for the plotting sidecar client
type SidecarConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`

	// XAxis is the axis used as the x coordinate of every point
	XAxis string `json:"x_axis"`

	ModelName string `json:"model_name"`
}

// DefaultSidecarConfig returns default configuration for the sidecar client
func DefaultSidecarConfig() SidecarConfig {
	return SidecarConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
		XAxis:         "train/step",
	}
}

// Sidecar collects scalar series and ships them to the plotting sidecar as
// training curves on Flush and Close
type Sidecar struct {
	config     SidecarConfig
	httpClient *http.Client
	logger     *slog.Logger
	axes       Axes

	mu     sync.Mutex
	order  []string
	series map[string]*SeriesData
}

// NewSidecar creates a new sidecar client
func NewSidecar(config SidecarConfig, logger *slog.Logger) *Sidecar {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.RetryAttempts < 1 {
		config.RetryAttempts = 1
	}
	return &Sidecar{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger,
		series: make(map[string]*SeriesData),
	}
}

func (s *Sidecar) UpdateAxes(axis string) {
	s.axes.Update(axis)
}

func (s *Sidecar) AddScalar(tag string, value float64) {
	if !finite(value) {
		return
	}
	x := s.axes.Step(s.config.XAxis)

	s.mu.Lock()
	defer s.mu.Unlock()

	series, ok := s.series[tag]
	if !ok {
		series = &SeriesData{Name: tag, Type: "line"}
		s.series[tag] = series
		s.order = append(s.order, tag)
	}
	series.Data = append(series.Data, DataPoint{X: x, Y: value})
}

func (s *Sidecar) AddAny(tag string, value interface{}) {
	scalars := Flatten(tag, value)
	for _, t := range sortedTags(scalars) {
		s.AddScalar(t, scalars[t])
	}
}

// PlotData renders the collected series as a training curves plot
func (s *Sidecar) PlotData() PlotData {
	s.mu.Lock()
	defer s.mu.Unlock()

	series := make([]SeriesData, 0, len(s.order))
	for _, tag := range s.order {
		sd := *s.series[tag]
		sd.Data = append([]DataPoint(nil), sd.Data...)
		series = append(series, sd)
	}

	return PlotData{
		PlotType:  TrainingCurves,
		Title:     "Training Curves",
		Timestamp: time.Now(),
		ModelName: s.config.ModelName,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel:  s.config.XAxis,
			YAxisLabel:  "Value",
			XAxisScale:  "linear",
			YAxisScale:  "linear",
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      600,
			Interactive: true,
		},
	}
}

// SendPlotData sends plot data to the sidecar plotting service
func (s *Sidecar) SendPlotData(ctx context.Context, plotData PlotData) (*PlottingResponse, error) {
	jsonData, err := json.Marshal(plotData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plot data: %w", err)
	}

	url := fmt.Sprintf("%s/api/plot", s.config.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "textbox-training")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var plotResponse PlottingResponse
	if err := json.Unmarshal(respBody, &plotResponse); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &plotResponse, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, plotResponse.Message)
	}
	return &plotResponse, nil
}

// SendPlotDataWithRetry sends plot data, retrying failed attempts
func (s *Sidecar) SendPlotDataWithRetry(ctx context.Context, plotData PlotData) (*PlottingResponse, error) {
	var lastErr error

	for attempt := 0; attempt < s.config.RetryAttempts; attempt++ {
		resp, err := s.SendPlotData(ctx, plotData)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt < s.config.RetryAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.config.RetryDelay):
			}
		}
	}

	return nil, fmt.Errorf("failed to send plot data after %d attempts: %w", s.config.RetryAttempts, lastErr)
}

// CheckHealth checks if the plotting service is available
func (s *Sidecar) CheckHealth(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", s.config.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// Flush sends the collected series. Nothing is sent when no scalar was recorded.
func (s *Sidecar) Flush(ctx context.Context) error {
	plot := s.PlotData()
	if len(plot.Series) == 0 {
		return nil
	}

	resp, err := s.SendPlotDataWithRetry(ctx, plot)
	if err != nil {
		return err
	}
	s.logger.Info("sent training curves to sidecar", "series", len(plot.Series), "view_url", resp.ViewURL)
	return nil
}

// Close flushes the collected series
func (s *Sidecar) Close() error {
	return s.Flush(context.Background())
}
