package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const controlTimeout = 10 * time.Second

// Control calls the control surface of a running service and returns the
// indented JSON response.
func (a *App) Control(ctx context.Context, method, path string, body any) ([]byte, error) {
	base := a.Config.Control.Listen
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return controlRequest(ctx, &http.Client{Timeout: controlTimeout}, strings.TrimRight(base, "/")+path, method, body)
}

func controlRequest(ctx context.Context, client *http.Client, url, method string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create control request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call control server: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read control response: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(raw)
	}
	if resp.StatusCode >= 300 {
		return pretty.Bytes(), fmt.Errorf("control server returned %s: %s", resp.Status, strings.TrimSpace(pretty.String()))
	}
	return pretty.Bytes(), nil
}
