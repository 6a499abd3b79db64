package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tiroq/radiodigest/internal/asr"
	"github.com/tiroq/radiodigest/internal/asr/localwhisper"
	"github.com/tiroq/radiodigest/internal/asr/openai"
	"github.com/tiroq/radiodigest/internal/asr/remotewhisper"
	"github.com/tiroq/radiodigest/internal/config"
	"github.com/tiroq/radiodigest/internal/diaglog"
)

// newBackend constructs the named ASR backend from cfg.
func newBackend(name string, cfg config.ASRConfig, diag *diaglog.Logger) (asr.Backend, error) {
	timeout := int(cfg.Timeout() / time.Second)
	switch name {
	case "remote_whisper_api":
		c := remotewhisper.NewClient(remotewhisper.Config{
			BaseURL:        cfg.Remote.BaseURL,
			Token:          cfg.Remote.Token,
			TimeoutSeconds: timeout,
			Model:          cfg.Remote.Model,
		})
		c.SetLogger(diag)
		return c, nil
	case "local_whisper":
		return localwhisper.NewBackend(localwhisper.Config{
			BinaryPath:     cfg.Local.BinaryPath,
			ModelPath:      cfg.Local.ModelPath,
			Model:          cfg.Local.Model,
			Threads:        cfg.Local.Threads,
			ExtraArgs:      cfg.Local.ExtraArgs,
			TimeoutSeconds: timeout,
		}), nil
	case "openai":
		return openai.NewBackend(openai.Config{
			BaseURL:        cfg.OpenAI.BaseURL,
			APIKey:         cfg.OpenAI.APIKey,
			Model:          cfg.OpenAI.Model,
			TimeoutSeconds: timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown ASR backend %q", name)
	}
}

// buildRegistry chains the primary backend and, when configured, the
// fallback.
func buildRegistry(cfg config.ASRConfig, diag *diaglog.Logger) (*asr.Registry, error) {
	primary, err := newBackend(cfg.Backend, cfg, diag)
	if err != nil {
		return nil, err
	}
	var fallback asr.Backend
	if fb := cfg.FallbackBackend; fb != "" && fb != cfg.Backend {
		if fallback, err = newBackend(fb, cfg, diag); err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
	}
	return asr.NewRegistry(primary, fallback), nil
}

// checkBackends runs each backend's health check once. An unhealthy backend
// is logged, not fatal: the queue's retries absorb a backend that comes up
// later.
func checkBackends(ctx context.Context, reg *asr.Registry, log *slog.Logger, diag *diaglog.Logger) {
	for _, b := range reg.Backends() {
		name := b.Name()
		hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		hs, err := b.HealthCheck(hctx)
		cancel()

		payload := map[string]interface{}{"backend": name}
		switch {
		case err != nil:
			log.Warn("[STARTUP] ASR health check error", "backend", name, "error", err)
			payload["ok"] = false
			payload["error"] = err.Error()
		case !hs.OK:
			log.Warn("[STARTUP] ASR backend unhealthy", "backend", name, "message", hs.Message)
			payload["ok"] = false
			payload["message"] = hs.Message
		default:
			log.Info("[STARTUP] ASR backend healthy", "backend", name, "latency", hs.Latency)
			payload["ok"] = true
			payload["latency"] = hs.Latency.String()
		}
		diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentASR,
			Event:     diaglog.EventHealthCheck,
			Payload:   payload,
		})
	}
}
