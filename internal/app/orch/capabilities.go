package orch

import "github.com/dkeye/voicerooms/internal/core"

// Capabilities has no side effects. It fails with ErrEngineNotReady until
// the engine has started; callers retry after a short delay.
func (o *Orchestrator) Capabilities() (core.Capabilities, error) {
	caps, err := o.Engine.Capabilities()
	if err != nil {
		o.countError(err)
		return core.Capabilities{}, err
	}
	return caps, nil
}
