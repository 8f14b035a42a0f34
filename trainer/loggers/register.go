// register.go wires the CSV logger into the trainer package's registration
// variable (NewDefaultLoggerFunc). This init() runs when any package imports
// trainer/loggers, breaking the import cycle between trainer/ (interface
// owner) and trainer/loggers/ (implementation).
package loggers

import "github.com/inference-sim/trainloop/trainer"

func init() {
	trainer.NewDefaultLoggerFunc = func(rootDir string) (trainer.Logger, error) {
		return NewCSVLogger(rootDir, DefaultName, -1)
	}
}
