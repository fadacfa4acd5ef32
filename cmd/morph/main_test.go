package main

import (
	"testing"

	"github.com/1ureka/morph/internal/config"
	"github.com/1ureka/morph/internal/engine"
)

func TestNormalizeWSURL(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"ws://127.0.0.1:8080/ws", "ws://127.0.0.1:8080/ws", false},
		{"wss://signal.example.com", "wss://signal.example.com/ws", false},
		{"  signal.example.com  ", "wss://signal.example.com/ws", false},
		{"http://localhost:8080/", "ws://localhost:8080/ws", false},
		{"https://signal.example.com/rooms/1", "wss://signal.example.com/rooms/1", false},
		{"", "", true},
		{"ws://", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := normalizeWSURL(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("normalizeWSURL(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestMediaConfig(t *testing.T) {
	got := mediaConfig(config.Media{
		VideoCodec:            "VP8",
		AudioCodec:            "opus",
		AudioStartBitrateKbps: 32,
		ReceiveVideo:          true,
	})
	want := engine.MediaConfig{
		VideoCodec:            "VP8",
		AudioCodec:            "opus",
		AudioStartBitrateKbps: 32,
		ReceiveVideo:          true,
		DataChannelLabel:      engine.DefaultDataChannelLabel,
	}
	if got != want {
		t.Errorf("mediaConfig = %+v, want %+v", got, want)
	}
}
