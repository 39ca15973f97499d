package dispatch

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smtpURL(addr string) string {
	return fmt.Sprintf("smtp://alerts:secret@%s/?from=alerts@example.com&to=ops@example.com", addr)
}

func TestShoutrrrMailerCheckReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	m, err := NewShoutrrrMailer(smtpURL(ln.Addr().String()), time.Second, zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, m.Check(context.Background()))
}

func TestShoutrrrMailerCheckClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	m, err := NewShoutrrrMailer(smtpURL(addr), time.Second, zerolog.Nop())
	require.NoError(t, err)

	err = m.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp server unreachable")
}

func TestSMTPAddr(t *testing.T) {
	addr, err := smtpAddr("smtp://u:p@mail.example.com:587/?from=a@example.com&to=b@example.com")
	require.NoError(t, err)
	assert.Equal(t, "mail.example.com:587", addr)

	addr, err = smtpAddr("smtp://mail.example.com/?from=a@example.com&to=b@example.com")
	require.NoError(t, err)
	assert.Equal(t, "mail.example.com:25", addr)

	_, err = smtpAddr("discord://token@channel")
	assert.ErrorContains(t, err, "unsupported scheme")

	_, err = smtpAddr("smtp:///?from=a@example.com")
	assert.Error(t, err)
}
