package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tokenmeter/tokenmeter/pkg/model"
	"gopkg.in/yaml.v3"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Manage custom usage providers",
}

var providersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers and their last fetch status",
	RunE:  runProvidersList,
}

var providersSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Create or update a provider",
	Long: `Create or update a provider from a YAML or JSON definition file, or
from flags. Flags override values read from the file.`,
	RunE: runProvidersSave,
}

var providersDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a provider and its stored usage",
	Args:  cobra.ExactArgs(1),
	RunE:  runProvidersDelete,
}

var providersTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Run a provider definition once without saving it",
	RunE:  runProvidersTest,
}

func init() {
	rootCmd.AddCommand(providersCmd)
	providersCmd.AddCommand(providersListCmd, providersSaveCmd, providersDeleteCmd, providersTestCmd)

	for _, c := range []*cobra.Command{providersSaveCmd, providersTestCmd} {
		c.Flags().StringP("file", "f", "", "Provider definition file (YAML or JSON)")
		c.Flags().String("id", "", "Provider ID (generated when empty)")
		c.Flags().StringP("name", "n", "", "Display name")
		c.Flags().StringP("command", "c", "", "Fetch command, e.g. curl -s -H 'Authorization: Bearer ${API_KEY}' https://...")
		c.Flags().String("script-file", "", "File holding the JavaScript transform")
		c.Flags().StringToString("env", nil, "Placeholder values (KEY=VALUE)")
		c.Flags().Bool("disabled", false, "Save the provider disabled")
	}
}

func runProvidersList(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	providers, err := a.tracker.ListProviders(cmd.Context())
	if err != nil {
		return fmt.Errorf("list providers: %w", err)
	}
	if len(providers) == 0 {
		fmt.Println("No providers configured. Use 'tokenmeter providers save' to add one.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tNAME\tENABLED\tLAST FETCHED\tLAST ERROR\n")
	for _, p := range providers {
		fetched := "-"
		if p.LastFetchedAt != nil {
			fetched = p.LastFetchedAt.Local().Format("2006-01-02 15:04")
		}
		lastErr := p.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", p.ID, p.Name, p.Enabled, fetched, lastErr)
	}
	w.Flush()

	return nil
}

func runProvidersSave(cmd *cobra.Command, _ []string) error {
	p, err := providerFromFlags(cmd)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	saved, err := a.tracker.SaveProvider(cmd.Context(), p)
	if err != nil {
		return fmt.Errorf("save provider: %w", err)
	}

	fmt.Printf("Provider saved:\n")
	fmt.Printf("  ID:       %s\n", saved.ID)
	fmt.Printf("  Name:     %s\n", saved.Name)
	fmt.Printf("  Enabled:  %t\n", saved.Enabled)
	return nil
}

func runProvidersDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.tracker.DeleteProvider(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	fmt.Printf("Provider %s deleted\n", args[0])
	return nil
}

func runProvidersTest(cmd *cobra.Command, _ []string) error {
	p, err := providerFromFlags(cmd)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	res := a.tracker.TestProvider(cmd.Context(), p)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("provider test %s at %s: %s", res.Outcome, res.Stage, res.Reason)
	}
	return nil
}

// providerFromFlags builds a provider from --file, then applies the
// individual flags that were set.
func providerFromFlags(cmd *cobra.Command) (model.Provider, error) {
	p := model.Provider{Enabled: true}

	if path, _ := cmd.Flags().GetString("file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return p, fmt.Errorf("read provider file: %w", err)
		}
		if p, err = decodeProvider(data); err != nil {
			return p, fmt.Errorf("parse provider file %s: %w", path, err)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("id") {
		p.ID, _ = flags.GetString("id")
	}
	if flags.Changed("name") {
		p.Name, _ = flags.GetString("name")
	}
	if flags.Changed("command") {
		p.FetchCommand, _ = flags.GetString("command")
	}
	if flags.Changed("script-file") {
		path, _ := flags.GetString("script-file")
		script, err := os.ReadFile(path)
		if err != nil {
			return p, fmt.Errorf("read script file: %w", err)
		}
		p.TransformScript = string(script)
	}
	if flags.Changed("env") {
		env, _ := flags.GetStringToString("env")
		if p.Env == nil {
			p.Env = make(map[string]string, len(env))
		}
		for k, v := range env {
			p.Env[k] = v
		}
	}
	if flags.Changed("disabled") {
		disabled, _ := flags.GetBool("disabled")
		p.Enabled = !disabled
	}

	if strings.TrimSpace(p.FetchCommand) == "" {
		return p, fmt.Errorf("a fetch command is required (--command or --file)")
	}
	return p, nil
}

// decodeProvider accepts YAML or JSON using the provider's JSON field names.
// Status fields in the file are ignored.
func decodeProvider(data []byte) (model.Provider, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return model.Provider{}, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return model.Provider{}, err
	}

	p := model.Provider{Enabled: true}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return model.Provider{}, err
	}
	p.LastFetchedAt = nil
	p.LastError = ""
	return p, nil
}
