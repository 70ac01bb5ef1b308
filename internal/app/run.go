package app

import (
	"context"

	"joinbot/pkg/logx"
)

// RunSchedule executes one scheduling pass. Nothing due is a normal outcome,
// not an error; the caller's exit code only reflects faults.
func (a *App) RunSchedule(ctx context.Context) error {
	outcomes, err := a.coord.RunPass(ctx)
	if err != nil {
		return err
	}
	if outcomes == nil {
		return nil
	}

	ok := 0
	for _, o := range outcomes {
		if o.Success {
			ok++
		}
	}
	a.log.Info("scheduling pass complete",
		logx.Int("succeeded", ok), logx.Int("failed", len(outcomes)-ok))
	return nil
}
