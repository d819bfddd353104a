package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"authcoord/internal/config"
)

var providersOutputFormat string

// providerRow is the printable view of a configured provider. Secrets are
// never part of it.
type providerRow struct {
	Name      string `json:"name" yaml:"name"`
	Type      string `json:"type" yaml:"type"`
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	RateLimit string `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
	Endpoint  string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Scopes    int    `json:"scopes" yaml:"scopes"`
	Keys      int    `json:"keys,omitempty" yaml:"keys,omitempty"`
}

func newProvidersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List the providers configured in config.yaml",
		Long: `Loads and validates config.yaml and prints every configured provider.

Client secrets, private keys and API key digests are never printed.

Examples:
  authcoord providers
  authcoord providers --output json
  authcoord providers --config-path /etc/authcoord`,
		Args: cobra.NoArgs,
		RunE: runProviders,
	}
	cmd.Flags().StringVarP(&providersOutputFormat, "output", "o", "table", "Output format (table, json, yaml)")
	return cmd
}

func runProviders(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(resolveConfigPath())
	if err != nil {
		return err
	}

	rows := make([]providerRow, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		rows = append(rows, toProviderRow(pc))
	}
	return writeProviders(cmd.OutOrStdout(), providersOutputFormat, rows)
}

func toProviderRow(pc config.ProviderConfig) providerRow {
	row := providerRow{Name: pc.Name, Type: pc.Type, Enabled: pc.IsEnabled()}
	if pc.RateLimit != nil {
		row.RateLimit = fmt.Sprintf("%g/s burst %d", pc.RateLimit.PerSecond, pc.RateLimit.Burst)
	}

	switch {
	case pc.OAuth2 != nil:
		row.Endpoint = pc.OAuth2.Issuer
		if row.Endpoint == "" {
			row.Endpoint = pc.OAuth2.TokenURL
		}
		row.Scopes = len(pc.OAuth2.Scopes)
	case pc.ServiceAccount != nil:
		sa := pc.ServiceAccount
		switch {
		case sa.UseADC:
			row.Endpoint = "application default credentials"
		case sa.KeyFile != "":
			row.Endpoint = sa.KeyFile
		case sa.Key != nil:
			row.Endpoint = sa.Key.ClientEmail
		}
		row.Scopes = len(sa.Scopes)
	case pc.APIKey != nil:
		row.Keys = len(pc.APIKey.Keys)
	}
	return row
}

func writeProviders(w io.Writer, format string, rows []providerRow) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(rows)
	case "table", "":
	default:
		return fmt.Errorf("unsupported output format %q (use table, json or yaml)", format)
	}

	if len(rows) == 0 {
		fmt.Fprintf(w, "%s\n", text.FgYellow.Sprint("No providers configured"))
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("NAME"),
		text.FgHiCyan.Sprint("TYPE"),
		text.FgHiCyan.Sprint("STATUS"),
		text.FgHiCyan.Sprint("RATE LIMIT"),
		text.FgHiCyan.Sprint("ENDPOINT / KEYS"),
	})
	for _, r := range rows {
		status := text.FgGreen.Sprint("enabled")
		if !r.Enabled {
			status = text.FgHiBlack.Sprint("disabled")
		}
		rateLimit := r.RateLimit
		if rateLimit == "" {
			rateLimit = "-"
		}
		detail := r.Endpoint
		if r.Type == config.ProviderTypeAPIKey {
			detail = fmt.Sprintf("%d keys", r.Keys)
		}
		t.AppendRow(table.Row{r.Name, r.Type, status, rateLimit, detail})
	}
	t.Render()
	return nil
}
