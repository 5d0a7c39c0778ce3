package metrics

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/rumar/pkg/plog"
)

func TestRunMetrics_Adders(t *testing.T) {
	m := &RunMetrics{}
	m.AddCreated(3)
	m.AddUpdated(2)
	m.AddUnchanged(7)
	m.AddSwept(1)
	m.AddFailed(4)

	checks := []struct {
		name string
		got  int64
		want int64
	}{
		{"Created", m.Created.Load(), 3},
		{"Updated", m.Updated.Load(), 2},
		{"Unchanged", m.Unchanged.Load(), 7},
		{"Swept", m.Swept.Load(), 1},
		{"Failed", m.Failed.Load(), 4},
		{"Extracted", m.Extracted.Load(), 0},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("expected %s to be %d, got %d", c.name, c.want, c.got)
		}
	}
}

func TestRunMetrics_LogSummary(t *testing.T) {
	var logBuf bytes.Buffer
	plog.SetOutput(&logBuf)
	t.Cleanup(func() { plog.SetOutput(os.Stderr) })

	m := &RunMetrics{}
	m.AddCreated(10)
	m.AddFailed(3)
	m.LogSummary("Create finished")

	output := logBuf.String()
	for _, want := range []string{`msg="Create finished"`, "created=10", "failed=3"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected log output to contain %q, got: %s", want, output)
		}
	}
	if strings.Contains(output, "swept=") {
		t.Errorf("expected zero counters to be omitted, got: %s", output)
	}
}

func TestRunMetrics_StopProgressTwice(t *testing.T) {
	m := &RunMetrics{}
	m.StartProgress("progress", time.Hour)
	m.StopProgress()
	m.StopProgress()
}

func TestNoopMetrics(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("NoopMetrics panicked: %v", r)
		}
	}()
	var m Metrics = &NoopMetrics{}
	m.AddCreated(1)
	m.AddSwept(1)
	m.StartProgress("x", time.Second)
	m.StopProgress()
	m.LogSummary("x")
}
