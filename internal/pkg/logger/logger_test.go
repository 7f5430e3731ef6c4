package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
)

func TestRedactPhone(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"+5511987654321", "+5511****4321"},
		{"15551234567", "1555****4567"},
		{"+123", "+****"},
		{"1234", "****"},
	}
	for _, c := range cases {
		if got := RedactPhone(c.in); got != c.want {
			t.Errorf("RedactPhone(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestJSONShape(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	Info("send complete", "campaign_id", "c-1", "recipient", "+5511987654321")

	var entry map[string]string
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["level"] != "INFO" {
		t.Errorf("level = %q, want INFO", entry["level"])
	}
	if entry["msg"] != "send complete" {
		t.Errorf("msg = %q", entry["msg"])
	}
	if entry["campaign_id"] != "c-1" {
		t.Errorf("campaign_id = %q", entry["campaign_id"])
	}
	if entry["recipient"] != "+5511****4321" {
		t.Errorf("recipient not redacted: %q", entry["recipient"])
	}
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	SetLevel(WARN)
	defer SetLevel(INFO)

	Debug("hidden")
	Info("hidden too")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below WARN, got %s", buf.String())
	}
	Warn("visible")
	if buf.Len() == 0 {
		t.Fatal("expected WARN output")
	}
}
