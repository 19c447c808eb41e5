package main

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/slot-offer-engine/internal/api/router"
	"github.com/wolfman30/slot-offer-engine/internal/app/bootstrap"
	appconfig "github.com/wolfman30/slot-offer-engine/internal/config"
	"github.com/wolfman30/slot-offer-engine/internal/http/handlers"
	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

const testSecret = "sim-secret"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &appconfig.Config{
		Env:                 "development",
		ConversationStore:   bootstrap.StoreMemory,
		ConversationTTL:     time.Hour,
		MaxAmbiguousReplies: 2,
		EmailProvider:       "stub",
	}
	engine, err := bootstrap.BuildEngine(cfg, bootstrap.Infra{}, nil, logging.Discard())
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	h := router.New(&router.Config{
		Logger:        logging.Discard(),
		Webhooks:      engine.Webhooks,
		Conversations: handlers.NewConversationsHandler(engine.Machine, engine.Gateway, logging.Discard()),
		DevMock:       handlers.NewDevMockHandler(engine.Mock, engine.EventLog, logging.Discard()),
		APIAuthSecret: testSecret,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func token(t *testing.T) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "smssim",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func execute(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", srv.URL, "--token", token(t)}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSimulatorConversationFlow(t *testing.T) {
	srv := newServer(t)

	out, err := execute(t, srv, "start", "+15551234567", "a=Mon 9am", "b=Tue 2pm")
	if err != nil {
		t.Fatalf("start: %v (%s)", err, out)
	}
	fields := strings.Fields(out)
	if len(fields) < 2 || fields[1] != "AWAITING_RESPONSE" {
		t.Fatalf("unexpected start output %q", out)
	}
	id := fields[0]

	out, err = execute(t, srv, "outbox", "--to", "+15551234567")
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if !strings.Contains(out, "Tue 2pm") {
		t.Fatalf("expected offer in outbox, got %q", out)
	}

	if out, err = execute(t, srv, "reply", "+15551234567", "2"); err != nil {
		t.Fatalf("reply: %v (%s)", err, out)
	}

	out, err = execute(t, srv, "show", id)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "BOOKED") {
		t.Fatalf("expected BOOKED, got %q", out)
	}

	out, err = execute(t, srv, "events")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if !strings.Contains(out, id) {
		t.Fatalf("expected outcome event for %s, got %q", id, out)
	}
}

func TestSimulatorReportsServerErrors(t *testing.T) {
	srv := newServer(t)
	if _, err := execute(t, srv, "show", "missing"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404 error, got %v", err)
	}
}

func TestParseSlot(t *testing.T) {
	if got := parseSlot("s1=Mon 9am"); got.ID != "s1" || got.Label != "Mon 9am" {
		t.Fatalf("unexpected slot %+v", got)
	}
	if got := parseSlot(" Fri 3pm "); got.ID != "Fri 3pm" || got.Label != "Fri 3pm" {
		t.Fatalf("unexpected bare slot %+v", got)
	}
}
