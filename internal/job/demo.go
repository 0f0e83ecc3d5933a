package job

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dcm-common/orchestra/internal/jobctx"
	"github.com/dcm-common/orchestra/internal/report"
)

// DemoName is the callable name exercised by the end-to-end scenarios in
// spec §8 (S1, S2): `{"demo":{"duration":N,"success":bool}}`.
const DemoName = "demo"

type demoRequest struct {
	Demo struct {
		Duration int  `json:"duration"` // seconds to run before completing
		Success  bool `json:"success"`
	} `json:"demo"`
}

type demoResult struct {
	Success bool `json:"success"`
}

// Demo is the reference job callable: it ticks progress from 0 to 100 over
// Duration seconds, polling AbortRequested between ticks, then records
// {success: bool} as its Report.Data.
func Demo(ctx context.Context, jc *jobctx.Context, body json.RawMessage) error {
	var req demoRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return err
		}
	}

	jc.Log(report.LogCategoryEvent, DemoName, "accept")
	jc.SetProgress(report.StatusRunning, "starting", 0)

	const steps = 10
	step := time.Duration(req.Demo.Duration) * time.Second / steps
	for i := 1; i <= steps; i++ {
		if jc.AbortRequested() {
			jc.Log(report.LogCategoryEvent, DemoName, "abort")
			jc.SetProgress(report.StatusAborted, "aborted", jc.Progress().Numeric)
			return nil
		}
		if step > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(step):
			}
		}
		jc.SetProgress(report.StatusRunning, "running", i*100/steps)
	}

	if err := jc.SetData(demoResult{Success: req.Demo.Success}); err != nil {
		return err
	}
	jc.Log(report.LogCategoryEvent, DemoName, "terminate")
	jc.SetProgress(report.StatusCompleted, "done", 100)
	return nil
}
