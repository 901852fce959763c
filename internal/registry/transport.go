package registry

import (
	"fmt"
	"log/slog"
	"maps"

	"github.com/groundloop/patchbay/internal/config"
	"github.com/groundloop/patchbay/internal/session"
)

// buildTransport constructs the session transport for one server,
// resolving its credential and wiring delivery: an environment
// variable for stdio subprocesses, a header for http and websocket.
// The vault copy of the secret is zeroized once delivered.
func (r *Registry) buildTransport(cfg config.ServerConfig, logger *slog.Logger) (session.Transport, error) {
	var secretValue string
	if ref := cfg.Credential.Ref; ref != "" {
		if r.creds == nil {
			return nil, fmt.Errorf("server %q requires credential %q but no vault is open", cfg.Name, ref)
		}
		secret, err := r.creds.Resolve(ref)
		if err != nil {
			return nil, err
		}
		secretValue = string(secret.Bytes())
		secret.Zero()
	}

	switch cfg.Transport {
	case config.TransportStdio:
		env := make([]string, 0, len(cfg.Env)+1)
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		if secretValue != "" {
			env = append(env, cfg.Credential.DeliveryEnv()+"="+secretValue)
		}
		return session.NewStdioTransport(session.StdioConfig{
			Name:    cfg.Name,
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     env,
			Logger:  logger,
		}), nil

	case config.TransportHTTP:
		return session.NewHTTPTransport(session.HTTPConfig{
			Name:     cfg.Name,
			URL:      cfg.URL,
			Headers:  credentialHeaders(cfg, secretValue),
			Insecure: cfg.InsecureSkipVerify,
			Logger:   logger,
		}), nil

	case config.TransportWebSocket:
		return session.NewWSTransport(session.WSConfig{
			Name:     cfg.Name,
			URL:      cfg.URL,
			Headers:  credentialHeaders(cfg, secretValue),
			Insecure: cfg.InsecureSkipVerify,
			Logger:   logger,
		}), nil

	default:
		return nil, fmt.Errorf("server %q has unsupported transport %q", cfg.Name, cfg.Transport)
	}
}

// credentialHeaders merges the configured headers with the credential
// header. Authorization credentials are sent as Bearer tokens; any
// other header carries the raw value.
func credentialHeaders(cfg config.ServerConfig, secretValue string) map[string]string {
	headers := maps.Clone(cfg.Headers)
	if secretValue == "" {
		return headers
	}
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	name := cfg.Credential.DeliveryHeader()
	if name == "Authorization" {
		headers[name] = "Bearer " + secretValue
	} else {
		headers[name] = secretValue
	}
	return headers
}
