package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := New(slog.New(slog.NewJSONHandler(&buf, nil)))

	ctx := WithChannelData(context.Background(), &ChannelData{ChannelID: "chan"})
	ctx = WithSessionData(ctx, &SessionData{Category: "systemIdentityID", Identity: "u1"})
	ctx = WithConnData(ctx, &ConnData{ConnID: "c1", Role: "publish"})
	log.With(slog.String("component", "test")).InfoContext(ctx, "session.claim.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	ch, _ := rec["chan"].(map[string]any)
	if ch["id"] != "chan" {
		t.Fatalf("expected chan.id, got %v", rec["chan"])
	}
	sess, _ := rec["sess"].(map[string]any)
	if sess["category"] != "systemIdentityID" || sess["identity"] != "u1" {
		t.Fatalf("unexpected sess group %v", rec["sess"])
	}
	conn, _ := rec["conn"].(map[string]any)
	if conn["role"] != "publish" {
		t.Fatalf("unexpected conn group %v", rec["conn"])
	}
	if rec["component"] != "test" {
		t.Fatalf("expected With attrs preserved, got %v", rec)
	}
}

func TestNewIsIdempotent(t *testing.T) {
	l := New(nil)
	if New(l) != l {
		t.Fatal("expected already wrapped logger to be returned as is")
	}
}
