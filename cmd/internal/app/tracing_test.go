package app

import (
	"context"
	"testing"
)

func TestSetupTracing_DisabledIsNoop(t *testing.T) {
	t.Parallel()

	for _, cfg := range []Config{
		{OTelEnabled: false, OTelEndpoint: "http://collector:4318"},
		{OTelEnabled: true, OTelEndpoint: "  "},
	} {
		shutdown, err := SetupTracing(context.Background(), cfg)
		if err != nil {
			t.Fatalf("SetupTracing(%+v): %v", cfg, err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("noop shutdown: %v", err)
		}
	}
}
