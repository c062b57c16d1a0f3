package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/xynoxa/xynoxa-desktop/internal/client/config"
	"github.com/xynoxa/xynoxa-desktop/internal/client/groupmgr"
	"github.com/xynoxa/xynoxa-desktop/internal/client/index"
	"github.com/xynoxa/xynoxa-desktop/internal/client/vault"
	"github.com/xynoxa/xynoxa-desktop/internal/utils"
)

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

type folderReport struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	LocalRoot string    `json:"local_root"`
	Enabled   bool      `json:"enabled"`
	Indexed   bool      `json:"indexed"`
	Files     int       `json:"files"`
	Pending   int       `json:"pending"`
	Conflicts int       `json:"conflicts"`
	Cursor    int64     `json:"cursor"`
	IndexedAt time.Time `json:"indexed_at,omitzero"`
	Error     string    `json:"error,omitempty"`
}

type statusReport struct {
	ConfigPath     string         `json:"config_path"`
	ServerURL      string         `json:"server_url"`
	SyncPath       string         `json:"sync_path"`
	SetupCompleted bool           `json:"setup_completed"`
	LoggedIn       bool           `json:"logged_in"`
	Folders        []folderReport `json:"folders"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	var skipAuth bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the configuration and the index of every group folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := readConfig()
			if err != nil {
				return err
			}

			report := buildStatus(cmd.Context(), cfg)
			if !skipAuth {
				_, err := vault.NewKeyring("").Load(cmd.Context(), vault.TokenKey)
				report.LoggedIn = err == nil
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			renderStatus(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON")
	cmd.Flags().BoolVar(&skipAuth, "skip-auth", false, "Do not query the system keyring")
	return cmd
}

// buildStatus reads each folder's index without starting a sync. Folders
// that never synced have no index yet.
func buildStatus(ctx context.Context, cfg *config.Config) *statusReport {
	report := &statusReport{
		ConfigPath:     cfg.Path,
		ServerURL:      cfg.ServerURL,
		SyncPath:       cfg.SyncPath,
		SetupCompleted: cfg.SetupCompleted,
		Folders:        make([]folderReport, 0, len(cfg.GroupFolders)),
	}

	for _, gf := range cfg.GroupFolders {
		fr := folderReport{
			ID:        gf.ID,
			Name:      gf.Name,
			LocalRoot: gf.LocalRoot,
			Enabled:   gf.Enabled,
		}
		if err := readIndex(ctx, groupmgr.IndexPath(cfg.DataDir, gf.ID), gf.ID, &fr); err != nil {
			slog.Debug("status read index", "folder", gf.ID, "error", err)
			fr.Error = err.Error()
		}
		report.Folders = append(report.Folders, fr)
	}
	return report
}

func readIndex(ctx context.Context, path, id string, fr *folderReport) error {
	if !utils.FileExists(path) {
		return nil
	}
	store, err := index.Open(path, id)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		switch e.State {
		case index.StatePendingLocal, index.StatePendingRemote:
			fr.Pending++
		case index.StateConflict:
			fr.Conflicts++
		}
		if e.ModTime.After(fr.IndexedAt) {
			fr.IndexedAt = e.ModTime
		}
	}
	fr.Files = len(entries)
	fr.Indexed = true

	fr.Cursor, err = store.Cursor(ctx)
	return err
}

func renderStatus(w io.Writer, r *statusReport) {
	login := red("no")
	if r.LoggedIn {
		login = green("yes")
	}
	setup := red("no")
	if r.SetupCompleted {
		setup = green("yes")
	}

	kv(w, "Config", r.ConfigPath)
	kv(w, "Server", orNone(r.ServerURL))
	kv(w, "Sync path", orNone(r.SyncPath))
	kv(w, "Setup", setup)
	kv(w, "Logged in", login)

	if len(r.Folders) == 0 {
		fmt.Fprintln(w, gray("No group folders"))
		return
	}

	fmt.Fprintln(w)
	for _, f := range r.Folders {
		state := green("enabled")
		if !f.Enabled {
			state = gray("disabled")
		}
		fmt.Fprintf(w, "%s %s (%s)\n", cyan(f.ID), f.LocalRoot, state)

		switch {
		case f.Error != "":
			fmt.Fprintf(w, "  %s %s\n", red("error"), f.Error)
		case !f.Indexed:
			fmt.Fprintf(w, "  %s\n", gray("not synced yet"))
		default:
			fmt.Fprintf(w, "  %s files, %d pending, %d conflicts, cursor %d",
				humanize.Comma(int64(f.Files)), f.Pending, f.Conflicts, f.Cursor)
			if !f.IndexedAt.IsZero() {
				fmt.Fprintf(w, ", newest change %s", humanize.Time(f.IndexedAt))
			}
			fmt.Fprintln(w)
		}
	}
}

func orNone(s string) string {
	if s == "" {
		return gray("(none)")
	}
	return s
}
