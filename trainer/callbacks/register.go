// register.go wires the default ModelCheckpoint into the trainer package's
// registration variable (NewDefaultCheckpointFunc). This init() runs when any
// package imports trainer/callbacks, breaking the import cycle between
// trainer/ (interface owner) and trainer/callbacks/ (implementation).
package callbacks

import "github.com/inference-sim/trainloop/trainer"

func init() {
	trainer.NewDefaultCheckpointFunc = func() trainer.Callback {
		return DefaultModelCheckpoint()
	}
}
