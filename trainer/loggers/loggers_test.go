package loggers

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/trainloop/trainer"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestCSVLogger_WritesUnionOfKeys(t *testing.T) {
	// GIVEN rows with different key sets
	root := t.TempDir()
	l, err := NewCSVLogger(root, "", -1)
	require.NoError(t, err)
	require.NoError(t, l.LogMetrics(map[string]float64{"loss": 0.5}, 0))
	require.NoError(t, l.LogMetrics(map[string]float64{"loss": 0.25, "val_loss": 0.75}, 1))

	// WHEN the logger is saved
	require.NoError(t, l.Save())

	// THEN the header is the sorted union and missing cells are empty
	assert.Equal(t, filepath.Join(root, DefaultName, "version_0"), l.LogDir())
	assert.Equal(t, [][]string{
		{"step", "loss", "val_loss"},
		{"0", "0.5", ""},
		{"1", "0.25", "0.75"},
	}, readCSV(t, filepath.Join(l.LogDir(), MetricsFile)))
}

func TestCSVLogger_VersionsIncrement(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "exp", "version_0"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "exp", "version_4"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "exp", "notes"), 0o755))

	l, err := NewCSVLogger(root, "exp", -1)
	require.NoError(t, err)
	assert.Equal(t, "5", l.Version())

	fixed, err := NewCSVLogger(root, "exp", 2)
	require.NoError(t, err)
	assert.Equal(t, "2", fixed.Version())
}

func TestCSVLogger_Hyperparams(t *testing.T) {
	l, err := NewCSVLogger(t.TempDir(), "exp", 0)
	require.NoError(t, err)

	require.NoError(t, l.LogHyperparams(map[string]any{"lr": 0.1}))
	require.NoError(t, l.LogHyperparams(map[string]any{"batch_size": 16}))

	raw, err := os.ReadFile(filepath.Join(l.LogDir(), HparamsFile))
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &got))
	assert.Equal(t, map[string]any{"lr": 0.1, "batch_size": 16}, got)
}

func TestCSVLogger_SaveWithoutRowsWritesNothing(t *testing.T) {
	l, err := NewCSVLogger(t.TempDir(), "exp", 0)
	require.NoError(t, err)

	require.NoError(t, l.Finalize(trainer.StatusFinished))

	assert.NoFileExists(t, filepath.Join(l.LogDir(), MetricsFile))
}

func TestDefaultLoggerRegistration(t *testing.T) {
	root := t.TempDir()

	l, err := trainer.NewDefaultLoggerFunc(root)

	require.NoError(t, err)
	csvLogger, ok := l.(*CSVLogger)
	require.True(t, ok)
	assert.Equal(t, DefaultName, csvLogger.Name())
	assert.Equal(t, filepath.Join(root, DefaultName, "version_0"), csvLogger.LogDir())
}

func TestSQLiteLogger_RunLifecycle(t *testing.T) {
	// GIVEN a logger on a fresh database
	path := filepath.Join(t.TempDir(), "runs", "metrics.db")
	l, err := NewSQLiteLogger(path, "exp")
	require.NoError(t, err)
	defer l.Close()

	// WHEN hyperparameters and two steps are logged and the run finishes
	require.NoError(t, l.LogHyperparams(map[string]any{"lr": 0.1, "layers": []int{2, 3}}))
	require.NoError(t, l.LogMetrics(map[string]float64{"loss": 1.0, "epoch": 0}, 0))
	require.NoError(t, l.LogMetrics(map[string]float64{"loss": 0.5, "epoch": 0}, 1))
	steps, _, err := l.MetricSeries("loss")
	require.NoError(t, err)
	assert.Empty(t, steps, "metrics are buffered until Save")
	require.NoError(t, l.Finalize(trainer.StatusFinished))

	// THEN the series, the encoded hyperparameters and the status are stored
	steps, values, err := l.MetricSeries("loss")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, steps)
	assert.Equal(t, []float64{1.0, 0.5}, values)

	var layers string
	require.NoError(t, l.DB().QueryRow(`SELECT value FROM hparams WHERE run_id = ? AND key = 'layers'`, l.RunID()).Scan(&layers))
	assert.Equal(t, "[2,3]", layers)

	var status string
	var finished *string
	require.NoError(t, l.DB().QueryRow(`SELECT status, finished_at FROM runs WHERE id = ?`, l.RunID()).Scan(&status, &finished))
	assert.Equal(t, string(trainer.StatusFinished), status)
	assert.NotNil(t, finished)
}

func TestSQLiteLogger_RunsShareADatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	first, err := NewSQLiteLogger(path, "a")
	require.NoError(t, err)
	defer first.Close()
	second, err := NewSQLiteLogger(path, "b")
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, first.LogMetrics(map[string]float64{"loss": 1}, 0))
	require.NoError(t, first.Save())
	require.NoError(t, second.LogMetrics(map[string]float64{"loss": 2}, 0))
	require.NoError(t, second.Save())

	assert.NotEqual(t, first.RunID(), second.RunID())
	_, values, err := second.MetricSeries("loss")
	require.NoError(t, err)
	assert.Equal(t, []float64{2}, values)

	var runs int
	require.NoError(t, first.DB().QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&runs))
	assert.Equal(t, 2, runs)
}

func TestConsoleLogger_WritesStructuredEntries(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()
	prev := logrus.GetLevel()
	logrus.SetLevel(logrus.DebugLevel)
	defer logrus.SetLevel(prev)

	l := NewConsoleLogger("console").WithLevel(logrus.DebugLevel)
	require.NoError(t, l.LogHyperparams(map[string]any{"lr": 0.1}))
	require.NoError(t, l.LogMetrics(map[string]float64{"loss": 0.125}, 3))
	require.NoError(t, l.Finalize(trainer.StatusInterrupted))

	entries := hook.AllEntries()
	require.Len(t, entries, 3)
	assert.Equal(t, 0.1, entries[0].Data["hp.lr"])
	assert.Equal(t, "metrics", entries[1].Message)
	assert.Equal(t, 3, entries[1].Data["step"])
	assert.Equal(t, "0.125", entries[1].Data["loss"])
	assert.Equal(t, logrus.DebugLevel, entries[1].Level)
	assert.Equal(t, "run interrupted", entries[2].Message)
}
