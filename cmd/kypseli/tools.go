package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/mtzanidakis/kypseli/internal/registry"
	"github.com/mtzanidakis/kypseli/internal/store"
	"github.com/spf13/cobra"
)

// openRegistry opens the store and a registry synced with the config file.
// Remote tools are listed but not routable since there is no bus client.
func openRegistry(ctx context.Context) (*registry.Registry, *store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	v, err := openVault(cfg)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init vault: %w", err)
	}
	reg := registry.New(db, v, nil, cfg.Tools, cfg.Defaults)
	if err := reg.Sync(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("sync tools: %w", err)
	}
	return reg, db, nil
}

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Manage AI tools and their API keys",
	}
	cmd.AddCommand(newToolsListCmd(), newToolsSetKeyCmd(), newToolsClearKeyCmd())
	return cmd
}

func newToolsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, db, err := openRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			tools, err := reg.List(cmd.Context())
			if err != nil {
				return err
			}
			return printTools(cmd.OutOrStdout(), tools)
		},
	}
}

func printTools(out io.Writer, tools []registry.Tool) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMODE\tAVAILABLE\tKEY\tDEFAULT\tCOMMAND")
	for _, t := range tools {
		avail, key, def := "no", "", ""
		if t.Available {
			avail = "yes"
		}
		if t.HasAPIKey {
			key = "yes"
		}
		if t.Default {
			def = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.Name, t.Mode, avail, key, def, strings.Join(t.Command, " "))
	}
	return w.Flush()
}

func newToolsSetKeyCmd() *cobra.Command {
	var fromEnv string
	cmd := &cobra.Command{
		Use:   "set-key <tool> [key]",
		Short: "Seal an API key for a tool in the vault",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			switch {
			case len(args) == 2:
				key = args[1]
			case fromEnv != "":
				key = os.Getenv(fromEnv)
			}
			if key == "" {
				return fmt.Errorf("no key given, pass it as an argument or with --from-env")
			}

			reg, db, err := openRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := reg.SetAPIKey(cmd.Context(), args[0], key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "API key of %q saved\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&fromEnv, "from-env", "", "read the key from this environment variable")
	return cmd
}

func newToolsClearKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-key <tool>",
		Short: "Remove the stored API key of a tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, db, err := openRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := reg.ClearAPIKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "API key of %q removed\n", args[0])
			return nil
		},
	}
}
