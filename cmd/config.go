package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/neptunomedical/vigia/config"
)

const redacted = "********"

// redactConfig copies cfg with secrets and portal credential values masked.
func redactConfig(cfg config.Configuration) config.Configuration {
	if cfg.Server.SecretKey != "" {
		cfg.Server.SecretKey = redacted
	}
	portals := make([]config.PortalConfig, len(cfg.Portals))
	for i, p := range cfg.Portals {
		fields := make([]config.CredentialField, len(p.CredentialFields))
		for j, f := range p.CredentialFields {
			f.Value = redacted
			fields[j] = f
		}
		p.CredentialFields = fields
		portals[i] = p
	}
	cfg.Portals = portals
	return cfg
}

func configCommands() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "config outputs your instances computed configuration",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Fetch()
			if err != nil {
				log.Fatalf("Error getting config: %v\n", err)
			}

			data, err := json.MarshalIndent(redactConfig(*cfg), "", "    ")
			if err != nil {
				log.Fatalf("Error printing config: %v\n", err)
			}

			fmt.Println(string(data))
		},
	}
	return cmd
}
