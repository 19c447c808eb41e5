package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

func TestAddressString(t *testing.T) {
	if got := (Address{Name: "Front Desk", Email: "desk@example.com"}).String(); got != `"Front Desk" <desk@example.com>` {
		t.Fatalf("unexpected address %q", got)
	}
	if got := (Address{Email: "desk@example.com"}).String(); got != "<desk@example.com>" {
		t.Fatalf("unexpected bare address %q", got)
	}
}

func TestNewSendGridMailerValidates(t *testing.T) {
	if _, err := NewSendGridMailer("", Address{Email: "desk@example.com"}, nil); err == nil {
		t.Fatal("expected error without api key")
	}
	if _, err := NewSendGridMailer("key", Address{}, nil); !errors.Is(err, errNoSender) {
		t.Fatalf("expected errNoSender, got %v", err)
	}
	m, err := NewSendGridMailer("key", Address{Email: "desk@example.com"}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if m.from.Name != deskName {
		t.Fatalf("expected default sender name, got %q", m.from.Name)
	}
}

func TestLogMailerNeverFails(t *testing.T) {
	if err := LogMailer(logging.Discard()).Deliver(context.Background(), Mail{To: Address{Email: "a@example.com"}}); err != nil {
		t.Fatalf("log mailer returned %v", err)
	}
}

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSESMailerBuildsRequest(t *testing.T) {
	api := &fakeSES{}
	m, err := NewSESMailer(api, Address{Email: "desk@example.com"}, logging.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = m.Deliver(context.Background(), Mail{
		To:      Address{Email: "staff@example.com"},
		Subject: "Follow up",
		Text:    "text",
		HTML:    "<p>html</p>",
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := aws.ToString(api.input.FromEmailAddress); got != `"Scheduling Desk" <desk@example.com>` {
		t.Fatalf("unexpected from %q", got)
	}
	simple := api.input.Content.Simple
	if aws.ToString(simple.Subject.Data) != "Follow up" || aws.ToString(simple.Body.Text.Data) != "text" || aws.ToString(simple.Body.Html.Data) != "<p>html</p>" {
		t.Fatalf("unexpected content %+v", simple)
	}
	if api.input.Destination.ToAddresses[0] != "<staff@example.com>" {
		t.Fatalf("unexpected destination %v", api.input.Destination.ToAddresses)
	}
}

func TestSESMailerOmitsEmptyHTMLAndWrapsErrors(t *testing.T) {
	api := &fakeSES{}
	m, _ := NewSESMailer(api, Address{Name: "Desk", Email: "desk@example.com"}, nil)
	if err := m.Deliver(context.Background(), Mail{To: Address{Email: "a@example.com"}, Text: "only text"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if api.input.Content.Simple.Body.Html != nil {
		t.Fatal("html body should be omitted")
	}

	api.err = errors.New("throttled")
	if err := m.Deliver(context.Background(), Mail{To: Address{Email: "a@example.com"}}); err == nil || !strings.Contains(err.Error(), "throttled") {
		t.Fatalf("expected wrapped ses error, got %v", err)
	}
	if _, err := NewSESMailer(nil, Address{Email: "desk@example.com"}, nil); err == nil {
		t.Fatal("expected error without client")
	}
}
