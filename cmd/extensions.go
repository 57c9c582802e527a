package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"extbridge/pkg/config"
	"extbridge/pkg/extension"
	"extbridge/pkg/pathguard"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var extensionsDir string

var extensionsCmd = &cobra.Command{
	Use:   "extensions",
	Short: "Inspect installed extensions",
}

var extensionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List extensions and validate their manifests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfigOrDefaults(cmd.ErrOrStderr())

		dir := strings.TrimSpace(extensionsDir)
		if dir == "" {
			dir = cfg.Extensions.Dir
		}
		dir, err := pathguard.ExpandHome(dir)
		if err != nil {
			return err
		}

		rows, err := listExtensions(dir, cfg.Extensions.AllowedExtensions)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "no extensions found in %s\n", dir)
			return nil
		}

		fmt.Fprintln(cmd.OutOrStdout(), renderExtensionTable(rows))
		return nil
	},
}

var extensionsValidateCmd = &cobra.Command{
	Use:   "validate <dir>",
	Short: "Validate a single extension directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfigOrDefaults(cmd.ErrOrStderr())

		row := inspectExtension(args[0], cfg.Extensions.AllowedExtensions)
		fmt.Fprintln(cmd.OutOrStdout(), renderExtensionTable([]extensionRow{row}))
		if row.err != nil {
			return row.err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(extensionsCmd)
	extensionsCmd.AddCommand(extensionsListCmd)
	extensionsCmd.AddCommand(extensionsValidateCmd)
	extensionsListCmd.Flags().StringVarP(&extensionsDir, "dir", "d", "", "extensions directory (defaults to the configured one)")
	extensionsValidateCmd.SilenceUsage = true
}

// extensionRow is one line of the extensions table.
type extensionRow struct {
	dir     string
	name    string
	version string
	entry   string
	env     string
	err     error
}

func (r extensionRow) status() string {
	if r.err == nil {
		return "ok"
	}

	var manifestErr *extension.ManifestError
	if errors.As(r.err, &manifestErr) {
		return fmt.Sprintf("%s: %v", manifestErr.Reason, manifestErr.Err)
	}
	return r.err.Error()
}

func loadConfigOrDefaults(stderr io.Writer) *config.Config {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "using default config: %v\n", err)
		return config.Defaults()
	}
	return cfg
}

func listExtensions(dir string, allowed []string) ([]extensionRow, error) {
	hub := extension.NewHub(extension.HubOptions{Logger: slog.New(slog.DiscardHandler)})
	if _, err := hub.Discover(dir); err != nil {
		return nil, err
	}

	candidates := hub.Candidates()
	rows := make([]extensionRow, 0, len(candidates))
	for _, candidate := range candidates {
		rows = append(rows, inspectExtension(candidate.Dir(), allowed))
	}
	return rows, nil
}

func inspectExtension(dir string, allowed []string) extensionRow {
	row := extensionRow{dir: filepath.Base(filepath.Clean(dir))}

	manifest, err := extension.ReadManifest(dir, allowed)
	if err != nil {
		row.err = err
		return row
	}

	row.name = manifest.Name
	row.version = manifest.Version
	row.entry = manifest.Main
	if rel, err := filepath.Rel(manifest.Dir, manifest.Entry); err == nil {
		row.entry = rel
	}
	row.env = strings.Join(manifest.Permissions.Env, ",")
	return row
}

func renderExtensionTable(rows []extensionRow) string {
	var (
		headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("88"))
		cellStyle   = lipgloss.NewStyle().Padding(0, 1)
		okStyle     = cellStyle.Foreground(lipgloss.Color("114"))
		errStyle    = cellStyle.Foreground(lipgloss.Color("203"))
	)

	data := make([][]string, 0, len(rows))
	for _, row := range rows {
		data = append(data, []string{row.dir, row.name, row.version, row.entry, row.env, row.status()})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("130"))).
		Headers("DIR", "NAME", "VERSION", "ENTRY", "ENV", "STATUS").
		Rows(data...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 5 && rows[row].err == nil:
				return okStyle
			case col == 5:
				return errStyle
			default:
				return cellStyle
			}
		})

	return t.String()
}
