package email

import (
	"errors"
	"net/smtp"
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "test@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

type sentMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func capturingService(config Config, sent *[]sentMail, err error) *Service {
	svc := NewService(config)
	svc.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		*sent = append(*sent, sentMail{addr: addr, from: from, to: to, msg: string(msg)})
		return err
	}
	return svc
}

var testConfig = Config{Host: "smtp.example.com", Port: "2525", From: "forms@example.com", FromName: "Forms"}

func TestSendHTMLEmail(t *testing.T) {
	var sent []sentMail
	svc := capturingService(testConfig, &sent, nil)

	err := svc.SendHTMLEmail(Message{
		To:      []string{"owner@example.com"},
		ReplyTo: "respondent@example.com",
		Subject: "Hello\r\nBcc: attacker@example.com",
		HTML:    "<p>hi</p>",
		Text:    "hi",
	})
	if err != nil {
		t.Fatalf("SendHTMLEmail failed: %v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("expected one mail, got %d", len(sent))
	}

	m := sent[0]
	if m.addr != "smtp.example.com:2525" || m.from != "forms@example.com" {
		t.Errorf("unexpected envelope: %+v", m)
	}
	for _, want := range []string{
		"From: Forms <forms@example.com>\r\n",
		"Reply-To: respondent@example.com\r\n",
		"Subject: Hello Bcc: attacker@example.com\r\n",
		"<p>hi</p>",
	} {
		if !strings.Contains(m.msg, want) {
			t.Errorf("message should contain %q", want)
		}
	}
	if strings.Contains(m.msg, "\r\nBcc:") {
		t.Error("subject must not inject headers")
	}
}

func TestSendHTMLEmail_Errors(t *testing.T) {
	var sent []sentMail
	if err := capturingService(Config{}, &sent, nil).SendHTMLEmail(Message{To: []string{"a@example.com"}}); err == nil {
		t.Error("expected error for unconfigured service")
	}
	if err := capturingService(testConfig, &sent, nil).SendHTMLEmail(Message{}); err == nil {
		t.Error("expected error without recipients")
	}
	boom := errors.New("421 try later")
	if err := capturingService(testConfig, &sent, boom).SendHTMLEmail(Message{To: []string{"a@example.com"}}); !errors.Is(err, boom) {
		t.Errorf("expected smtp error, got %v", err)
	}
}
