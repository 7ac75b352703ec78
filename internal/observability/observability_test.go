package observability

import (
	"context"
	"reflect"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]string
	}{
		{name: "empty", input: "", want: nil},
		{name: "single", input: "Authorization=Bearer x", want: map[string]string{"Authorization": "Bearer x"}},
		{
			name:  "multiple with spaces",
			input: "a=1, b = 2 ,",
			want:  map[string]string{"a": "1", "b": "2"},
		},
		{name: "value with equals", input: "sig=a=b", want: map[string]string{"sig": "a=b"}},
		{name: "malformed", input: "novalue", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseHeaders(tt.input); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseHeaders(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "convene-test")
	t.Setenv("OTEL_TRACES_ENABLED", "true")
	t.Setenv("OTEL_TRACES_EXPORTER", "stdout")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")

	cfg := ConfigFromEnv()
	if cfg.ServiceName != "convene-test" {
		t.Errorf("ServiceName = %q", cfg.ServiceName)
	}
	if !cfg.Enabled || cfg.ExporterType != "stdout" {
		t.Errorf("Enabled = %v, ExporterType = %q", cfg.Enabled, cfg.ExporterType)
	}
	if cfg.SampleRate != 0.25 {
		t.Errorf("SampleRate = %v", cfg.SampleRate)
	}
}

func TestInitDisabled(t *testing.T) {
	if err := Init(Config{Enabled: false}, nil); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	ctx, span := StartSpanWithOtel(context.Background(), "test")
	if ctx == nil || span == nil {
		t.Fatal("StartSpanWithOtel returned nil")
	}
	span.End()
	if err := Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestInitUnknownExporter(t *testing.T) {
	err := Init(Config{Enabled: true, ExporterType: "carrier-pigeon"}, nil)
	if err == nil {
		t.Error("expected error for unknown exporter")
	}
}

func TestInitStdout(t *testing.T) {
	if err := Init(Config{Enabled: true, ExporterType: "stdout", SampleRate: 0.5}, nil); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	_, span := StartSpanWithOtel(context.Background(), "session.create")
	span.End()
	if err := Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
