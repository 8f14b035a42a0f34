package callbacks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/trainloop/trainer"
)

const (
	// CheckpointExt is appended to every checkpoint filename.
	CheckpointExt = ".ckpt"
	// LastName is the filename (without extension) of the save_last copy.
	LastName = "last"
	// DefaultFilename is used when CheckpointConfig.Filename is empty.
	DefaultFilename = "{epoch}-{step}"
)

// CheckpointConfig configures ModelCheckpoint.
type CheckpointConfig struct {
	// Dir defaults to <trainer log dir>/checkpoints.
	Dir string `yaml:"dir"`
	// Filename is a template: {epoch}, {step} and {<metric>} expand to
	// name=value; {<metric>:.2f} selects a format.
	Filename string `yaml:"filename"`
	// Monitor is the callback metric ranked for top-k. Empty keeps the
	// most recent checkpoints.
	Monitor  string `yaml:"monitor"`
	Mode     Mode   `yaml:"mode"`
	SaveTopK int    `yaml:"save_top_k"` // -1 all, 0 none
	SaveLast bool   `yaml:"save_last"`
	// EveryNEpochs applies to epoch-end saves; 0 disables them.
	EveryNEpochs int `yaml:"every_n_epochs"`
	// EveryNTrainSteps > 0 saves from on_train_batch_end instead of epoch ends.
	EveryNTrainSteps int `yaml:"every_n_train_steps"`
}

// DefaultCheckpointConfig keeps the latest checkpoint of every epoch.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{SaveTopK: 1, EveryNEpochs: 1, Mode: ModeMin}
}

// Validate checks ranges and names.
func (c CheckpointConfig) Validate() error {
	if err := c.Mode.validate(); err != nil {
		return fmt.Errorf("model checkpoint: %w", err)
	}
	if c.SaveTopK < -1 {
		return fmt.Errorf("model checkpoint: save_top_k must be -1 or non-negative, got %d", c.SaveTopK)
	}
	if c.EveryNEpochs < 0 || c.EveryNTrainSteps < 0 {
		return fmt.Errorf("model checkpoint: every_n_epochs and every_n_train_steps must be non-negative")
	}
	if c.EveryNEpochs > 0 && c.EveryNTrainSteps > 0 {
		return fmt.Errorf("model checkpoint: every_n_epochs and every_n_train_steps are mutually exclusive")
	}
	if c.Monitor == "" && c.SaveTopK > 1 {
		return fmt.Errorf("model checkpoint: save_top_k=%d needs a monitor to rank checkpoints", c.SaveTopK)
	}
	return nil
}

// ModelCheckpoint saves checkpoints periodically and keeps the best top-k
// by a monitored metric.
type ModelCheckpoint struct {
	cfg CheckpointConfig
	dir string

	bestK          map[string]float64
	bestPath       string
	bestScore      float64
	lastPath       string
	lastStepSaved  int
	lastEpochSaved int
}

// NewModelCheckpoint validates cfg.
func NewModelCheckpoint(cfg CheckpointConfig) (*ModelCheckpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Mode = cfg.Mode.orDefault()
	if cfg.Filename == "" {
		cfg.Filename = DefaultFilename
	}
	return &ModelCheckpoint{
		cfg:            cfg,
		bestK:          make(map[string]float64),
		bestScore:      cfg.Mode.worst(),
		lastStepSaved:  -1,
		lastEpochSaved: -1,
	}, nil
}

// DefaultModelCheckpoint is the callback added when checkpointing is enabled
// and none is registered.
func DefaultModelCheckpoint() *ModelCheckpoint {
	mc, err := NewModelCheckpoint(DefaultCheckpointConfig())
	if err != nil {
		panic(fmt.Sprintf("default checkpoint config invalid: %v", err))
	}
	return mc
}

func (mc *ModelCheckpoint) Name() string { return "ModelCheckpoint" }

// MonitorKey implements trainer.Monitoring.
func (mc *ModelCheckpoint) MonitorKey() string { return mc.cfg.Monitor }

// SavesCheckpoints implements trainer.Checkpointer.
func (mc *ModelCheckpoint) SavesCheckpoints() bool { return true }

// StateKey distinguishes checkpoint callbacks with different settings.
func (mc *ModelCheckpoint) StateKey() string {
	return fmt.Sprintf("ModelCheckpoint{monitor=%s,mode=%s,every_n_train_steps=%d,every_n_epochs=%d}",
		mc.cfg.Monitor, mc.cfg.Mode, mc.cfg.EveryNTrainSteps, mc.cfg.EveryNEpochs)
}

// BestModelPath implements trainer.CheckpointProvider.
func (mc *ModelCheckpoint) BestModelPath() string { return mc.bestPath }

// LastModelPath implements trainer.CheckpointProvider.
func (mc *ModelCheckpoint) LastModelPath() string { return mc.lastPath }

// BestModelScore returns the monitored value of the best checkpoint.
func (mc *ModelCheckpoint) BestModelScore() (float64, bool) {
	if mc.bestPath == "" || mc.cfg.Monitor == "" {
		return 0, false
	}
	return mc.bestScore, true
}

// BestK returns the retained checkpoints and their scores.
func (mc *ModelCheckpoint) BestK() map[string]float64 {
	out := make(map[string]float64, len(mc.bestK))
	for k, v := range mc.bestK {
		out[k] = v
	}
	return out
}

// Dir returns the resolved checkpoint directory (empty before setup).
func (mc *ModelCheckpoint) Dir() string { return mc.dir }

func (mc *ModelCheckpoint) Handle(ctx context.Context, ev *trainer.Event) error {
	t := ev.Trainer
	switch ev.Hook {
	case trainer.HookSetup:
		mc.dir = mc.cfg.Dir
		if mc.dir == "" {
			mc.dir = filepath.Join(t.LogDir(), "checkpoints")
		}
	case trainer.HookOnTrainBatchEnd:
		n := mc.cfg.EveryNTrainSteps
		if n > 0 && t.GlobalStep() > 0 && t.GlobalStep()%n == 0 {
			return mc.save(ctx, t)
		}
	case trainer.HookOnValidationEnd:
		if ev.Fn == trainer.FnFit && !t.SanityChecking() && mc.epochDue(t) {
			return mc.save(ctx, t)
		}
	case trainer.HookOnTrainEpochEnd:
		if t.NumValBatches() == 0 && mc.epochDue(t) {
			return mc.save(ctx, t)
		}
	}
	return nil
}

func (mc *ModelCheckpoint) epochDue(t *trainer.Trainer) bool {
	n := mc.cfg.EveryNEpochs
	if n == 0 || mc.cfg.EveryNTrainSteps > 0 {
		return false
	}
	return (t.CurrentEpoch()+1)%n == 0
}

func (mc *ModelCheckpoint) save(ctx context.Context, t *trainer.Trainer) error {
	step := t.GlobalStep()
	if step == mc.lastStepSaved && t.CurrentEpoch() == mc.lastEpochSaved {
		return nil
	}
	metrics := t.CallbackMetrics()
	if mc.cfg.SaveTopK != 0 {
		if err := mc.saveTopK(ctx, t, metrics); err != nil {
			return err
		}
	}
	if mc.cfg.SaveLast {
		path := filepath.Join(mc.dir, LastName+CheckpointExt)
		if err := t.SaveCheckpoint(ctx, path); err != nil {
			return err
		}
		mc.lastPath = path
	}
	mc.lastStepSaved = step
	mc.lastEpochSaved = t.CurrentEpoch()
	return nil
}

func (mc *ModelCheckpoint) saveTopK(ctx context.Context, t *trainer.Trainer, metrics map[string]float64) error {
	path := filepath.Join(mc.dir, formatFilename(mc.cfg.Filename, t.CurrentEpoch(), t.GlobalStep(), metrics)+CheckpointExt)

	if mc.cfg.Monitor == "" {
		if err := t.SaveCheckpoint(ctx, path); err != nil {
			return err
		}
		if mc.cfg.SaveTopK == 1 && mc.bestPath != "" && mc.bestPath != path {
			removeCheckpoint(mc.bestPath)
		}
		mc.bestPath = path
		mc.lastPath = path
		return nil
	}

	current, ok := metrics[mc.cfg.Monitor]
	if !ok {
		return fmt.Errorf("%w: ModelCheckpoint monitors %q, which was not logged; available: %s",
			trainer.ErrMisconfigured, mc.cfg.Monitor, strings.Join(sortedKeys(metrics), ", "))
	}
	if math.IsNaN(current) {
		current = mc.cfg.Mode.worst()
	}
	if !mc.qualifies(current) {
		logrus.Debugf("epoch %d step %d: %s=%g not in top %d", t.CurrentEpoch(), t.GlobalStep(), mc.cfg.Monitor, current, mc.cfg.SaveTopK)
		return nil
	}
	if err := t.SaveCheckpoint(ctx, path); err != nil {
		return err
	}
	mc.lastPath = path
	mc.bestK[path] = current
	if mc.cfg.SaveTopK > 0 && len(mc.bestK) > mc.cfg.SaveTopK {
		worst := mc.worstPath()
		delete(mc.bestK, worst)
		if worst != path {
			removeCheckpoint(worst)
		}
	}
	mc.bestPath = mc.bestOf()
	mc.bestScore = mc.bestK[mc.bestPath]
	logrus.Infof("epoch %d step %d: %s=%g saved to %s (best %g)", t.CurrentEpoch(), t.GlobalStep(), mc.cfg.Monitor, current, path, mc.bestScore)
	return nil
}

// qualifies reports whether current enters the top-k.
func (mc *ModelCheckpoint) qualifies(current float64) bool {
	if mc.cfg.SaveTopK == -1 || len(mc.bestK) < mc.cfg.SaveTopK {
		return true
	}
	return mc.cfg.Mode.better(current, mc.bestK[mc.worstPath()])
}

func (mc *ModelCheckpoint) worstPath() string {
	var worst string
	for _, p := range sortedKeys(mc.bestK) {
		if worst == "" || mc.cfg.Mode.better(mc.bestK[worst], mc.bestK[p]) {
			worst = p
		}
	}
	return worst
}

func (mc *ModelCheckpoint) bestOf() string {
	var best string
	for _, p := range sortedKeys(mc.bestK) {
		if best == "" || mc.cfg.Mode.better(mc.bestK[p], mc.bestK[best]) {
			best = p
		}
	}
	return best
}

func removeCheckpoint(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.Warnf("removing checkpoint %s: %v", path, err)
	}
}

var filenameField = regexp.MustCompile(`\{([^{}:]+)(?::([^{}]+))?\}`)

// formatFilename expands {epoch}, {step} and metric fields of tmpl.
func formatFilename(tmpl string, epoch, step int, metrics map[string]float64) string {
	return filenameField.ReplaceAllStringFunc(tmpl, func(field string) string {
		m := filenameField.FindStringSubmatch(field)
		name, spec := m[1], m[2]
		switch name {
		case "epoch":
			return "epoch=" + strconv.Itoa(epoch)
		case "step":
			return "step=" + strconv.Itoa(step)
		}
		v, ok := metrics[name]
		if !ok {
			return name + "=nan"
		}
		key := strings.ReplaceAll(name, "/", "_")
		if spec != "" {
			return key + "=" + fmt.Sprintf("%"+spec, v)
		}
		return key + "=" + strconv.FormatFloat(v, 'f', 4, 64)
	})
}

type checkpointState struct {
	Monitor   string             `json:"monitor"`
	BestPath  string             `json:"best_model_path"`
	BestScore *float64           `json:"best_model_score,omitempty"`
	LastPath  string             `json:"last_model_path"`
	BestK     map[string]float64 `json:"best_k_models"`
	Dir       string             `json:"dirpath"`
}

// MarshalBinary implements trainer.StatefulCallback.
func (mc *ModelCheckpoint) MarshalBinary() ([]byte, error) {
	st := checkpointState{
		Monitor:  mc.cfg.Monitor,
		BestPath: mc.bestPath,
		LastPath: mc.lastPath,
		BestK:    finiteOnly(mc.bestK),
		Dir:      mc.dir,
	}
	if score, ok := mc.BestModelScore(); ok && !math.IsInf(score, 0) {
		st.BestScore = &score
	}
	return json.Marshal(st)
}

// UnmarshalBinary restores paths and scores. Paths are kept only if the
// checkpoint directory is unchanged.
func (mc *ModelCheckpoint) UnmarshalBinary(data []byte) error {
	var st checkpointState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("model checkpoint state: %w", err)
	}
	if mc.dir != "" && st.Dir != mc.dir {
		logrus.Warnf("checkpoint directory changed from %s to %s; best-k tracking restarts", st.Dir, mc.dir)
		return nil
	}
	mc.bestPath = st.BestPath
	mc.lastPath = st.LastPath
	mc.bestK = make(map[string]float64, len(st.BestK))
	for k, v := range st.BestK {
		mc.bestK[k] = v
	}
	if st.BestScore != nil {
		mc.bestScore = *st.BestScore
	}
	return nil
}

func finiteOnly(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		if !math.IsInf(v, 0) && !math.IsNaN(v) {
			out[k] = v
		}
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
