// Package uploader drives one upload through the automation agent that sits
// next to each farm window.
//
// The agent exposes a small JSON API on the window's debug endpoint: POST
// starts the upload, GET reports progress until a terminal state. Credentials
// are decrypted just before the start call and zeroized right after; the
// agent re-authenticates the window session when it expired.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
)

// Driver implements domain.UploadDriver against the window agent API.
type Driver struct {
	creds domain.CredentialStore
	http  *http.Client
	// pollInterval paces status polling; the agent reports percent done.
	pollInterval time.Duration
}

// New constructs a Driver.
func New(creds domain.CredentialStore) *Driver {
	return &Driver{
		creds:        creds,
		http:         &http.Client{Timeout: 30 * time.Second},
		pollInterval: 2 * time.Second,
	}
}

type startRequest struct {
	Video       domain.VideoSpec `json:"video"`
	Email       string           `json:"email"`
	Password    string           `json:"password,omitempty"`
	CookiesB64  []byte           `json:"cookies,omitempty"`
	AccountHint string           `json:"account_hint,omitempty"`
}

type startResponse struct {
	UploadID string `json:"upload_id"`
}

type statusResponse struct {
	State    string `json:"state"` // running, completed, failed
	Progress int    `json:"progress"`
	VideoURL string `json:"video_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Run uploads one video through the window and blocks until the agent
// reports a terminal state or ctx ends.
func (d *Driver) Run(ctx domain.Context, handle domain.BrowserHandle, account domain.Account,
	video domain.VideoSpec, sink domain.ProgressSink) (string, error) {

	uploadID, err := d.start(ctx, handle, account, video)
	if err != nil {
		return "", err
	}
	return d.await(ctx, handle, uploadID, sink)
}

func (d *Driver) start(ctx context.Context, handle domain.BrowserHandle, account domain.Account, video domain.VideoSpec) (string, error) {
	pt, err := d.creds.Load(ctx, account.ID)
	if err != nil {
		return "", fmt.Errorf("op=driver.start: %w", err)
	}
	defer pt.Close()

	body, err := json.Marshal(startRequest{
		Video:       video,
		Email:       pt.Email,
		Password:    pt.Password,
		CookiesB64:  pt.Cookies,
		AccountHint: account.ID,
	})
	if err != nil {
		return "", fmt.Errorf("op=driver.start: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, handle.DebugEndpoint+"/upload", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("op=driver.start: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=driver.start: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("op=driver.start: agent status %d: %s", resp.StatusCode, msg)
	}
	var sr startResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("op=driver.start: decode: %w", err)
	}
	return sr.UploadID, nil
}

// await polls the agent until the upload reaches a terminal state. Transient
// poll failures are tolerated; the heartbeat loop above keeps the lease.
func (d *Driver) await(ctx context.Context, handle domain.BrowserHandle, uploadID string, sink domain.ProgressSink) (string, error) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.abort(handle, uploadID)
			return "", ctx.Err()
		case <-ticker.C:
		}
		st, err := d.poll(ctx, handle, uploadID)
		if err != nil {
			if ctx.Err() != nil {
				d.abort(handle, uploadID)
				return "", ctx.Err()
			}
			continue
		}
		if sink != nil {
			sink.Progress(st.Progress)
		}
		switch st.State {
		case "completed":
			return st.VideoURL, nil
		case "failed":
			return "", fmt.Errorf("op=driver.run: %s", st.Error)
		}
	}
}

func (d *Driver) poll(ctx context.Context, handle domain.BrowserHandle, uploadID string) (statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, handle.DebugEndpoint+"/upload/"+uploadID, nil)
	if err != nil {
		return statusResponse{}, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return statusResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return statusResponse{}, fmt.Errorf("agent status %d", resp.StatusCode)
	}
	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return statusResponse{}, err
	}
	return st, nil
}

// abort tells the agent to stop after its current browser step. Best effort
// with a short detached deadline; the window is probed on release anyway.
func (d *Driver) abort(handle domain.BrowserHandle, uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, handle.DebugEndpoint+"/upload/"+uploadID+"/abort", nil)
	if err != nil {
		return
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

var _ domain.UploadDriver = (*Driver)(nil)
