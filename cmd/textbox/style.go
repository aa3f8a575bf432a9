package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/Xiaoxue-xx/TextBox/dashboard"
	"github.com/Xiaoxue-xx/TextBox/metrics"
)

var (
	brand  = lipgloss.Color("63")
	subtle = lipgloss.Color("244")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(brand)
	keyStyle   = lipgloss.NewStyle().Foreground(subtle)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(brand).Padding(0, 1)
)

// field is one labelled row of a panel
type field struct {
	key   string
	value string
}

// panel renders a titled box of aligned key/value rows
func panel(title string, fields []field) string {
	width := 0
	for _, f := range fields {
		width = max(width, len(f.key))
	}

	lines := []string{titleStyle.Render(title)}
	for _, f := range fields {
		lines = append(lines, keyStyle.Render(fmt.Sprintf("%-*s", width, f.key))+"  "+f.value)
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

// resultFields flattens results into sorted rows
func resultFields(results metrics.Results) []field {
	scalars := make(map[string]float64)
	var texts []field
	for name, value := range results {
		if s, ok := value.(string); ok {
			texts = append(texts, field{name, s})
			continue
		}
		for tag, v := range dashboard.Flatten(name, value) {
			scalars[tag] = v
		}
	}

	tags := make([]string, 0, len(scalars))
	for tag := range scalars {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	fields := make([]field, 0, len(tags)+len(texts))
	for _, tag := range tags {
		fields = append(fields, field{tag, fmt.Sprintf("%.4f", scalars[tag])})
	}
	return append(fields, texts...)
}
