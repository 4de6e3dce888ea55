package effects

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// SMTPSender sends plain-text email through an SMTP relay.
type SMTPSender struct {
	Addr string
	From string
	Auth smtp.Auth

	// sendMail is swapped in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender returns a sender for addr (host:port). Username and password are optional.
func NewSMTPSender(addr, from, username, password string) *SMTPSender {
	s := &SMTPSender{Addr: addr, From: from, sendMail: smtp.SendMail}
	if username != "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		s.Auth = smtp.PlainAuth("", username, password, host)
	}
	return s
}

func (s *SMTPSender) Send(ctx context.Context, to Recipient, msg Message) error {
	if to.Email == "" {
		return errors.New("recipient has no email address")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", s.From)
	if to.Name != "" {
		fmt.Fprintf(&b, "To: %s <%s>\r\n", to.Name, to.Email)
	} else {
		fmt.Fprintf(&b, "To: %s\r\n", to.Email)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", headerSafe(msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))

	send := s.sendMail
	if send == nil {
		send = smtp.SendMail
	}
	if err := send(s.Addr, s.Auth, s.From, []string{to.Email}, b.Bytes()); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// ChatWebhook posts messages to a team-chat incoming webhook.
type ChatWebhook struct {
	URL        string
	httpClient *http.Client
}

func NewChatWebhook(url string) *ChatWebhook {
	return &ChatWebhook{
		URL:        url,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

type chatPayload struct {
	Text string `json:"text"`
}

func (c *ChatWebhook) Send(ctx context.Context, _ Recipient, msg Message) error {
	body, err := json.Marshal(chatPayload{Text: "*" + msg.Subject + "*\n" + msg.Body})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("network error calling chat webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("chat webhook returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
