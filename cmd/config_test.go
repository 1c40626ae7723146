package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/neptunomedical/vigia/config"
)

func TestRedactConfig(t *testing.T) {
	cfg := config.Configuration{
		Server: config.ServerConfig{SecretKey: "s3cret"},
		Portals: []config.PortalConfig{{
			InsurerID: 7,
			CredentialFields: []config.CredentialField{
				{Selector: "#user", Value: "operador"},
				{Selector: "#pass", Value: "clave"},
			},
		}},
	}

	out := redactConfig(cfg)

	assert.Equal(t, redacted, out.Server.SecretKey)
	assert.Equal(t, "#user", out.Portals[0].CredentialFields[0].Selector)
	assert.Equal(t, redacted, out.Portals[0].CredentialFields[1].Value)
	// the loaded configuration is left untouched
	assert.Equal(t, "clave", cfg.Portals[0].CredentialFields[1].Value)
	assert.Equal(t, "s3cret", cfg.Server.SecretKey)
}
