package notify

import (
	"context"
	"errors"
	"fmt"
	"net/mail"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

const deskName = "Scheduling Desk"

var errNoSender = errors.New("notify: sender address required")

// Address is a mailbox with an optional display name.
type Address struct {
	Name  string
	Email string
}

func (a Address) String() string {
	return (&mail.Address{Name: a.Name, Address: a.Email}).String()
}

// Mail is one staff notification. HTML is optional.
type Mail struct {
	To      Address
	Subject string
	Text    string
	HTML    string
}

// Mailer delivers staff mail.
type Mailer interface {
	Deliver(ctx context.Context, m Mail) error
}

// MailerFunc adapts a function to Mailer.
type MailerFunc func(ctx context.Context, m Mail) error

func (f MailerFunc) Deliver(ctx context.Context, m Mail) error { return f(ctx, m) }

// LogMailer only logs. It stands in when no provider is configured.
func LogMailer(logger *logging.Logger) Mailer {
	if logger == nil {
		logger = logging.Default()
	}
	return MailerFunc(func(_ context.Context, m Mail) error {
		logger.Info("mail not sent, no provider configured", "to", m.To.Email, "subject", m.Subject)
		return nil
	})
}

func sender(from Address) (Address, error) {
	if from.Email == "" {
		return from, errNoSender
	}
	if from.Name == "" {
		from.Name = deskName
	}
	return from, nil
}

// SendGridMailer posts to the SendGrid v3 mail API.
type SendGridMailer struct {
	client *sendgrid.Client
	from   Address
	logger *logging.Logger
}

func NewSendGridMailer(apiKey string, from Address, logger *logging.Logger) (*SendGridMailer, error) {
	if apiKey == "" {
		return nil, errors.New("notify: sendgrid api key required")
	}
	from, err := sender(from)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SendGridMailer{client: sendgrid.NewSendClient(apiKey), from: from, logger: logger}, nil
}

func (s *SendGridMailer) Deliver(ctx context.Context, m Mail) error {
	html := m.HTML
	if html == "" {
		html = m.Text
	}
	msg := sgmail.NewSingleEmail(
		sgmail.NewEmail(s.from.Name, s.from.Email),
		m.Subject,
		sgmail.NewEmail(m.To.Name, m.To.Email),
		m.Text,
		html,
	)
	resp, err := s.client.SendWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("notify: sendgrid: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("notify: sendgrid status %d: %s", resp.StatusCode, resp.Body)
	}
	s.logger.Debug("mail delivered", "provider", "sendgrid", "to", m.To.Email, "status", resp.StatusCode)
	return nil
}

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESMailer sends through the SES v2 SendEmail API.
type SESMailer struct {
	api    sesAPI
	from   Address
	logger *logging.Logger
}

func NewSESMailer(api sesAPI, from Address, logger *logging.Logger) (*SESMailer, error) {
	if api == nil {
		return nil, errors.New("notify: ses client required")
	}
	from, err := sender(from)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SESMailer{api: api, from: from, logger: logger}, nil
}

func (s *SESMailer) Deliver(ctx context.Context, m Mail) error {
	content := func(v string) *sestypes.Content {
		return &sestypes.Content{Data: aws.String(v), Charset: aws.String("UTF-8")}
	}
	body := &sestypes.Body{Text: content(m.Text)}
	if m.HTML != "" {
		body.Html = content(m.HTML)
	}
	out, err := s.api.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from.String()),
		Destination:      &sestypes.Destination{ToAddresses: []string{m.To.String()}},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{Subject: content(m.Subject), Body: body},
		},
	})
	if err != nil {
		return fmt.Errorf("notify: ses: %w", err)
	}
	s.logger.Debug("mail delivered", "provider", "ses", "to", m.To.Email, "message_id", aws.ToString(out.MessageId))
	return nil
}

var (
	_ Mailer = (*SendGridMailer)(nil)
	_ Mailer = (*SESMailer)(nil)
)
