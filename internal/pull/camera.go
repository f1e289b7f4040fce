// Package pull busca frames de câmeras que só sabem servir MJPEG/JPEG por
// HTTP e empurra cada frame no engine como se a câmera tivesse enviado.
package pull

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/cam-stream/internal/stream"
)

var (
	ErrInvalidCamera = errors.New("pull camera requires sourceId and url")
	ErrUnauthorized  = errors.New("camera rejected credentials")
)

// ConnectionState é o estado de conectividade publicado por câmera.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOnline     ConnectionState = "online"
	StateOffline    ConnectionState = "offline"
)

// Camera descreve uma fonte puxada por HTTP.
type Camera struct {
	SourceID string `json:"sourceId" yaml:"source_id"`
	URL      string `json:"url" yaml:"url"`
	Username string `json:"username,omitempty" yaml:"username"`
	Password string `json:"password,omitempty" yaml:"password"`
	// Insecure ignora o certificado (câmeras em rede interna com cert próprio).
	Insecure bool `json:"insecure,omitempty" yaml:"insecure"`
	// Interval > 0 faz polling de snapshot em vez de stream contínuo.
	Interval time.Duration `json:"-" yaml:"interval"`
}

func (c Camera) Validate() error {
	if strings.TrimSpace(c.SourceID) == "" || strings.TrimSpace(c.URL) == "" {
		return ErrInvalidCamera
	}
	return nil
}

// Pusher é o pedaço do engine que o puller usa.
type Pusher interface {
	Push(sourceID string, data []byte) error
}

type statusFunc func(state ConnectionState, reason string)

// fetcher roda o laço de reconexão de uma câmera.
type fetcher struct {
	cam           Camera
	client        *http.Client
	pusher        Pusher
	maxFrameBytes int
	retryDelay    time.Duration
	onStatus      statusFunc
	onFrame       func()
	log           zerolog.Logger
}

func newHTTPClient(cam Camera) *http.Client {
	if !cam.Insecure {
		return &http.Client{Timeout: 0}
	}
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // rede interna
		},
	}
}

// run reconecta até ctx acabar.
func (f *fetcher) run(ctx context.Context) {
	f.log.Info().Str("url", redactURL(f.cam.URL)).Msg("pull worker iniciado")
	for {
		f.onStatus(StateConnecting, "")
		err := f.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		reason := "stream encerrado pela câmera"
		if err != nil {
			reason = err.Error()
			f.log.Warn().Err(err).Dur("retry_in", f.retryDelay).Msg("pull falhou")
		}
		f.onStatus(StateOffline, reason)

		select {
		case <-time.After(f.retryDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (f *fetcher) runOnce(ctx context.Context) error {
	if f.cam.Interval > 0 {
		return f.poll(ctx)
	}
	return f.fetch(ctx, true)
}

// poll busca um snapshot por intervalo; erro devolve para o laço de reconexão.
func (f *fetcher) poll(ctx context.Context) error {
	ticker := time.NewTicker(f.cam.Interval)
	defer ticker.Stop()
	for {
		if err := f.fetch(ctx, false); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// fetch faz um GET e recorta os JPEGs do corpo. Serve tanto para
// multipart/x-mixed-replace quanto para um JPEG único.
func (f *fetcher) fetch(ctx context.Context, streaming bool) error {
	resp, err := doDigest(ctx, f.client, http.MethodGet, f.cam.URL, f.cam.Username, f.cam.Password)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("camera respondeu %s", resp.Status)
	}
	if streaming {
		f.onStatus(StateOnline, "")
	}

	n, err := stream.ScanFrames(resp.Body, f.maxFrameBytes, func(frame []byte) error {
		if err := f.pusher.Push(f.cam.SourceID, frame); err != nil {
			return err
		}
		if f.onFrame != nil {
			f.onFrame()
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		return err
	}
	if !streaming {
		if n == 0 {
			return errors.New("snapshot sem JPEG")
		}
		f.onStatus(StateOnline, "")
	}
	return nil
}

// redactURL tira credenciais embutidas antes de logar.
func redactURL(raw string) string {
	at := strings.Index(raw, "@")
	scheme := strings.Index(raw, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return raw
	}
	return raw[:scheme+3] + "***" + raw[at:]
}
