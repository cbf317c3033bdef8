package huebridge

import (
	"context"
	"testing"

	"github.com/dokzlo13/fauxhue/internal/config"
)

func TestProbe_Config(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.HueBridgeConfig
		wantErr bool
	}{
		{"disabled", config.HueBridgeConfig{Address: "192.0.2.1"}, false},
		{"missing username", config.HueBridgeConfig{Enabled: true, Address: "192.0.2.1"}, true},
		{"missing address", config.HueBridgeConfig{Enabled: true, Username: "u"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Probe(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Probe() error = %v, wantErr %v", err, tt.wantErr)
			}
			if b != nil {
				t.Errorf("Probe() = %+v, want nil", b)
			}
		})
	}
}

func TestHandler_BadTarget(t *testing.T) {
	h := Handler{}
	ctx := context.Background()

	if err := h.On(ctx, "not a light"); err == nil {
		t.Error("On() error = nil")
	}
	if err := h.Dim(ctx, nil, 10); err == nil {
		t.Error("Dim() error = nil")
	}
}
