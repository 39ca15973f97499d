package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/rs/zerolog"
)

// Mailer delivers one rendered message to one recipient.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Checker is implemented by mailers that can verify their configuration.
type Checker interface {
	Check(ctx context.Context) error
}

const (
	defaultSMTPPort  = "25"
	defaultDialLimit = 10 * time.Second
)

// ShoutrrrMailer sends email through a shoutrrr smtp:// URL.
type ShoutrrrMailer struct {
	sender  *router.ServiceRouter
	addr    string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewShoutrrrMailer builds a sender for serviceURL.
func NewShoutrrrMailer(serviceURL string, timeout time.Duration, logger zerolog.Logger) (*ShoutrrrMailer, error) {
	if strings.TrimSpace(serviceURL) == "" {
		return nil, errors.New("email url is required")
	}
	addr, err := smtpAddr(serviceURL)
	if err != nil {
		return nil, err
	}
	sender, err := shoutrrr.CreateSender(serviceURL)
	if err != nil {
		// the raw URL carries credentials; do not echo it
		return nil, fmt.Errorf("create email sender: invalid service url")
	}
	if timeout > 0 {
		sender.Timeout = timeout
	} else {
		timeout = defaultDialLimit
	}
	sender.SetLogger(log.New(io.Discard, "", 0))

	return &ShoutrrrMailer{
		sender:  sender,
		addr:    addr,
		timeout: timeout,
		logger:  logger.With().Str("component", "mailer").Logger(),
	}, nil
}

// smtpAddr extracts host:port from an smtp:// service URL.
func smtpAddr(serviceURL string) (string, error) {
	u, err := url.Parse(serviceURL)
	if err != nil || u.Hostname() == "" {
		return "", errors.New("create email sender: invalid service url")
	}
	if u.Scheme != "smtp" {
		return "", fmt.Errorf("create email sender: unsupported scheme %q", u.Scheme)
	}
	port := u.Port()
	if port == "" {
		port = defaultSMTPPort
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Send implements Mailer. The router enforces its own timeout.
func (m *ShoutrrrMailer) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if to == "" {
		return errors.New("recipient address is empty")
	}

	params := stypes.Params{}
	params.SetTitle(subject)
	params["toaddresses"] = to

	for _, err := range m.sender.Send(body, &params) {
		if err != nil {
			return fmt.Errorf("send email: %w", err)
		}
	}
	m.logger.Debug().Str("to", to).Str("subject", subject).Msg("email sent")
	return nil
}

// Check implements Checker by opening a TCP connection to the SMTP server.
func (m *ShoutrrrMailer) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return fmt.Errorf("smtp server unreachable: %w", err)
	}
	return conn.Close()
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct {
	logger zerolog.Logger
}

// NewLogMailer constructs a dry-run mailer.
func NewLogMailer(logger zerolog.Logger) *LogMailer {
	return &LogMailer{logger: logger.With().Str("component", "mailer").Bool("dry_run", true).Logger()}
}

// Send implements Mailer.
func (m *LogMailer) Send(ctx context.Context, to, subject, body string) error {
	m.logger.Info().Str("to", to).Str("subject", subject).Str("body", body).Msg("email suppressed")
	return nil
}

var (
	_ Mailer  = (*ShoutrrrMailer)(nil)
	_ Checker = (*ShoutrrrMailer)(nil)
	_ Mailer  = (*LogMailer)(nil)
)
