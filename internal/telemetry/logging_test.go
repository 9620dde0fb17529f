package telemetry

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerBindingHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	log := WithKind(WithInvocationID(WithPipelineID(logger, "p-1"), "inv-1"), "run_flood_model")
	log.Info("invocation started")

	out := buf.String()
	for _, want := range []string{"pipeline_id=p-1", "invocation_id=inv-1", "kind=run_flood_model"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q missing %q", out, want)
		}
	}
}
