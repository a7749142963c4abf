package gateway

import (
	"testing"

	"github.com/huddle-chat/core/internal/modules/presence"
)

func TestStatusFromArgs(t *testing.T) {
	tests := []struct {
		name string
		args []any
		want presence.Status
	}{
		{"no args", nil, presence.StatusOnline},
		{"nil arg", []any{nil}, presence.StatusOnline},
		{"bare string", []any{"away"}, presence.StatusAway},
		{"object", []any{map[string]interface{}{"status": "offline", "ts": 1}}, presence.StatusOffline},
		{"json string", []any{`{"status":"idle"}`}, presence.StatusAway},
		{"unknown", []any{map[string]interface{}{"status": "dancing"}}, presence.StatusOnline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFromArgs(tt.args...); got != tt.want {
				t.Fatalf("statusFromArgs = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseInboundMessage(t *testing.T) {
	msg, ok := parseInboundMessage(`{"type":" heartbeat ","payload":{"status":"away"}}`)
	if !ok || msg.Type != eventHeartbeat || msg.Payload["status"] != "away" {
		t.Fatalf("msg = %+v ok=%v", msg, ok)
	}
	msg, ok = parseInboundMessage(map[string]interface{}{"type": "user-status"})
	if !ok || msg.Type != eventUserStatus || msg.Payload == nil {
		t.Fatalf("msg = %+v ok=%v", msg, ok)
	}
	if _, ok := parseInboundMessage(map[string]interface{}{"payload": 1}); ok {
		t.Fatal("message without type should be rejected")
	}
	if _, ok := parseInboundMessage(42); ok {
		t.Fatal("number should be rejected")
	}
}

func TestFirstValueFromMultiMap(t *testing.T) {
	values := map[string][]string{
		"Authorization": {" Bearer abc "},
		"empty":         {""},
	}
	if got := firstValueFromMultiMap(values, "authorization"); got != "Bearer abc" {
		t.Fatalf("got %q", got)
	}
	if got := firstValueFromMultiMap(values, "empty"); got != "" {
		t.Fatalf("got %q", got)
	}
	if got := firstValueFromMultiMap(nil, "token"); got != "" {
		t.Fatalf("got %q", got)
	}
}
