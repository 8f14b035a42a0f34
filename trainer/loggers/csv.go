// Package loggers provides reference trainer.Logger implementations: a
// versioned CSV directory, a SQLite database and a logrus console sink.
package loggers

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/trainloop/trainer"
)

const (
	// DefaultName is the experiment directory created under the root dir.
	DefaultName = "trainloop_logs"
	// MetricsFile and HparamsFile are written inside each version directory.
	MetricsFile = "metrics.csv"
	HparamsFile = "hparams.yaml"
)

// CSVLogger writes metrics.csv and hparams.yaml under
// <root>/<name>/version_<n>.
type CSVLogger struct {
	root    string
	name    string
	version int

	hparams map[string]any
	rows    []csvRow
	keys    []string
	dirty   bool
}

type csvRow struct {
	step    int
	metrics map[string]float64
}

// NewCSVLogger picks the next free version when version < 0.
func NewCSVLogger(root, name string, version int) (*CSVLogger, error) {
	if name == "" {
		name = DefaultName
	}
	if version < 0 {
		v, err := nextVersion(filepath.Join(root, name))
		if err != nil {
			return nil, err
		}
		version = v
	}
	return &CSVLogger{root: root, name: name, version: version}, nil
}

// nextVersion returns one more than the highest version_<n> in dir.
func nextVersion(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("listing %s: %w", dir, err)
	}
	next := 0
	for _, e := range entries {
		n, ok := strings.CutPrefix(e.Name(), "version_")
		if !e.IsDir() || !ok {
			continue
		}
		if v, err := strconv.Atoi(n); err == nil && v >= next {
			next = v + 1
		}
	}
	return next, nil
}

func (l *CSVLogger) Name() string    { return l.name }
func (l *CSVLogger) Version() string { return strconv.Itoa(l.version) }

// LogDir implements trainer.LogDirProvider.
func (l *CSVLogger) LogDir() string {
	return filepath.Join(l.root, l.name, "version_"+l.Version())
}

func (l *CSVLogger) LogHyperparams(params map[string]any) error {
	if l.hparams == nil {
		l.hparams = make(map[string]any, len(params))
	}
	for k, v := range params {
		l.hparams[k] = v
	}
	data, err := yaml.Marshal(l.hparams)
	if err != nil {
		return fmt.Errorf("encoding hyperparameters: %w", err)
	}
	return l.write(HparamsFile, data)
}

func (l *CSVLogger) LogMetrics(metrics map[string]float64, step int) error {
	for k := range metrics {
		if !slices.Contains(l.keys, k) {
			l.keys = append(l.keys, k)
		}
	}
	l.rows = append(l.rows, csvRow{step: step, metrics: metrics})
	l.dirty = true
	return nil
}

// Save rewrites metrics.csv with the union of all keys as the header.
func (l *CSVLogger) Save() error {
	if !l.dirty {
		return nil
	}
	slices.Sort(l.keys)
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(append([]string{"step"}, l.keys...)); err != nil {
		return err
	}
	record := make([]string, len(l.keys)+1)
	for _, row := range l.rows {
		record[0] = strconv.Itoa(row.step)
		for i, k := range l.keys {
			record[i+1] = ""
			if v, ok := row.metrics[k]; ok {
				record[i+1] = strconv.FormatFloat(v, 'g', -1, 64)
			}
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encoding metrics: %w", err)
	}
	if err := l.write(MetricsFile, buf.Bytes()); err != nil {
		return err
	}
	l.dirty = false
	return nil
}

func (l *CSVLogger) Finalize(trainer.Status) error {
	return l.Save()
}

func (l *CSVLogger) write(file string, data []byte) error {
	dir := l.LogDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	path := filepath.Join(dir, file)
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
