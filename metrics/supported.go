package metrics

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
)

// ErrInvalidMetricsType is returned when a metrics setting is neither a name nor a list of names
var ErrInvalidMetricsType = errors.New("metrics must be a string or a list of strings")

// Supported lists the metric names an evaluator can be asked for
var Supported = map[string]bool{
	"bleu":       true,
	"self_bleu":  true,
	"rouge":      true,
	"distinct":   true,
	"nll_test":   true,
	"avg_len":    true,
	"cider":      true,
	"chrf":       true,
	"meteor":     true,
	"spice":      true,
	"bert_score": true,
	"unique":     true,
	"perplexity": true,
}

// SupportedNames returns the supported metric names in sorted order
func SupportedNames() []string {
	names := make([]string, 0, len(Supported))
	for name := range Supported {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProcessMetrics normalizes a metrics setting into a sorted, de-duplicated
// list of supported names.
//
// value may be nil, a string ("bleu", "bleu,rouge" or "[bleu, rouge]"), a
// []string or a []interface{} of strings. Unsupported names are dropped with
// a warning; any other type fails with ErrInvalidMetricsType.
func ProcessMetrics(key string, value interface{}, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var raw []string
	switch v := value.(type) {
	case nil:
		return []string{}, nil
	case string:
		if v == "" {
			return []string{}, nil
		}
		if strings.HasPrefix(v, "[") && strings.HasSuffix(v, "]") {
			v = v[1 : len(v)-1]
		}
		raw = strings.Split(v, ",")
	case []string:
		raw = v
	case []interface{}:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s contains %T", ErrInvalidMetricsType, key, item)
			}
			raw = append(raw, s)
		}
	default:
		return nil, fmt.Errorf("%w: %s is %T", ErrInvalidMetricsType, key, value)
	}

	seen := make(map[string]bool)
	var names, dropped []string
	for _, name := range raw {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if !Supported[name] {
			dropped = append(dropped, name)
			continue
		}
		names = append(names, name)
	}

	if len(dropped) > 0 {
		sort.Strings(dropped)
		logger.Warn("unsupported metrics ignored",
			"key", key,
			"ignored", strings.Join(dropped, ", "),
			"supported", strings.Join(SupportedNames(), ", "))
	}

	sort.Strings(names)
	if names == nil {
		names = []string{}
	}
	return names, nil
}
