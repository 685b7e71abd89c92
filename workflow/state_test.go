package workflow

import (
	"errors"
	"testing"
	"time"
)

func TestControlLifecycle(t *testing.T) {
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewControl("exec-1", "trace-1", start)

	if stage, status := c.Progress(); stage != "initialized" || status != "running" {
		t.Errorf("unexpected progress %s/%s", stage, status)
	}
	if c.Halted() {
		t.Error("new control must not be halted")
	}

	c.Log("predict", "2 conditions predicted", start.Add(time.Second))
	c.Fail("prediction_failed", errors.New("prediction service unavailable"))
	if !c.Halted() || c.Error != "prediction service unavailable" || c.Stage != "prediction_failed" {
		t.Errorf("unexpected failed control %+v", c)
	}

	c.Finish(StatusFailed, start.Add(1500*time.Millisecond))
	if c.Usage.LatencyMS != 1500 {
		t.Errorf("latency = %d", c.Usage.LatencyMS)
	}
	if !c.Status.Terminal() || StatusRunning.Terminal() {
		t.Error("terminal classification wrong")
	}
}

func TestUsageAddAndClone(t *testing.T) {
	var u Usage
	u.Add("gpt-4o-mini", 120, 0.01)
	u.Add("gpt-4o-mini", 30, 0.002)
	u.Add("", 10, 0.5)
	u.Add("claude", -5, -1)

	if u.TotalTokens != 160 {
		t.Errorf("total tokens = %d", u.TotalTokens)
	}
	if u.ByModel["gpt-4o-mini"].Calls != 2 || u.ByModel["gpt-4o-mini"].Tokens != 150 {
		t.Errorf("per-model usage wrong: %+v", u.ByModel["gpt-4o-mini"])
	}
	if u.ByModel["claude"].Tokens != 0 {
		t.Error("negative tokens must be ignored")
	}

	clone := u.Clone()
	clone.Add("gpt-4o-mini", 1, 0)
	if u.ByModel["gpt-4o-mini"].Calls != 2 {
		t.Error("clone must not share the per-model map")
	}
}

func TestCloneControlIsolatesSteps(t *testing.T) {
	c := NewControl("e", "", time.Now())
	c.Log("a", "", time.Now())
	cp := c.CloneControl()
	cp.Log("b", "", time.Now())
	if len(c.Steps) != 1 {
		t.Errorf("original step log mutated: %v", c.Steps)
	}
}
