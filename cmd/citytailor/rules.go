package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/citytailor/internal/backup"
	"github.com/hyperengineering/citytailor/internal/config"
	"github.com/hyperengineering/citytailor/internal/kv"
	"github.com/hyperengineering/citytailor/internal/rules"
	"github.com/hyperengineering/citytailor/internal/types"
)

var (
	rulesDBOverride string
	rulesJSONOutput bool
	rulesCategory   string
	backupUpload    bool
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect learned adaptation rules",
	Long:  "List users and adaptation rules from the rule database without running the server.",
}

var rulesUsersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users with persisted rules",
	Args:  cobra.NoArgs,
	RunE:  runRulesUsers,
}

var rulesListCmd = &cobra.Command{
	Use:   "list <user-id>",
	Short: "List the rules learned for a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesList,
}

var rulesBackupCmd = &cobra.Command{
	Use:   "backup <dest-file>",
	Short: "Write a consistent copy of the rule database",
	Long: "Write a consistent copy of the rule database to a local file. With --upload the\n" +
		"copy is also pushed to the configured backup bucket and a download link is printed.",
	Args: cobra.ExactArgs(1),
	RunE: runRulesBackup,
}

func init() {
	rulesCmd.PersistentFlags().StringVar(&rulesDBOverride, "db", "",
		"Rule database path (overrides config and CITYTAILOR_DB_PATH)")
	rulesCmd.PersistentFlags().BoolVar(&rulesJSONOutput, "json", false,
		"Output in JSON format")
	rulesListCmd.Flags().StringVar(&rulesCategory, "category", "",
		"Only list rules of this category")

	rulesBackupCmd.Flags().BoolVar(&backupUpload, "upload", false,
		"Upload the copy to the configured backup bucket")

	rulesCmd.AddCommand(rulesBackupCmd)
	rulesCmd.AddCommand(rulesUsersCmd)
	rulesCmd.AddCommand(rulesListCmd)
}

// resolveDBPath returns --db, falling back to config.
func resolveDBPath() (string, error) {
	if rulesDBOverride != "" {
		return rulesDBOverride, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return cfg.Database.Path, nil
}

// openRuleStore opens the rule database named by --db, falling back to config.
func openRuleStore() (*rules.Store, func() error, error) {
	path, err := resolveDBPath()
	if err != nil {
		return nil, nil, err
	}

	backend, err := kv.NewSQLite(path)
	if err != nil {
		return nil, nil, err
	}
	store, err := rules.NewStore(backend, rules.Config{})
	if err != nil {
		backend.Close()
		return nil, nil, err
	}
	return store, backend.Close, nil
}

func runRulesBackup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	dest := args[0]

	path, err := resolveDBPath()
	if err != nil {
		return err
	}
	backend, err := kv.NewSQLite(path)
	if err != nil {
		return err
	}
	defer backend.Close()

	if err := backend.Backup(ctx, dest); err != nil {
		return err
	}
	result := map[string]any{"path": dest}

	if backupUpload {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if !cfg.Backup.Enabled() {
			return fmt.Errorf("upload: %w", backup.ErrNotConfigured)
		}
		uploader, err := backup.NewUploader(cfg.Backup)
		if err != nil {
			return err
		}
		if err := uploader.Upload(ctx, backup.CurrentObject, dest); err != nil {
			return err
		}
		link, expiry, err := uploader.PresignedURL(ctx, backup.CurrentObject)
		if err != nil {
			return err
		}
		result["object"] = backup.CurrentObject
		result["url"] = link
		result["url_expires"] = expiry
	}

	if rulesJSONOutput {
		return printJSON(cmd.OutOrStdout(), result)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", dest)
	if link, ok := result["url"]; ok {
		fmt.Fprintf(cmd.OutOrStdout(), "Uploaded as %s\nDownload: %s\n", backup.CurrentObject, link)
	}
	return nil
}

func runRulesUsers(cmd *cobra.Command, args []string) error {
	store, closeFn, err := openRuleStore()
	if err != nil {
		return err
	}
	defer closeFn()

	users, err := store.Users(context.Background())
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	sort.Strings(users)

	if rulesJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"users": users,
			"total": len(users),
		})
	}

	if len(users) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No users found.")
		return nil
	}
	for _, u := range users {
		fmt.Fprintln(cmd.OutOrStdout(), u)
	}
	return nil
}

func runRulesList(cmd *cobra.Command, args []string) error {
	category := types.RuleCategory(rulesCategory)
	if category != "" && !category.Valid() {
		return fmt.Errorf("unknown rule category %q", rulesCategory)
	}

	store, closeFn, err := openRuleStore()
	if err != nil {
		return err
	}
	defer closeFn()

	userID := args[0]
	list, err := store.RulesFor(context.Background(), userID, category)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	if list == nil {
		list = []types.AdaptationRule{}
	}

	if rulesJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"user_id": userID,
			"rules":   list,
			"total":   len(list),
		})
	}

	if len(list) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No rules found for %s.\n", userID)
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "CATEGORY\tCONFIDENCE\tWEIGHT\tUPDATED\tPATTERN")
	for _, r := range list {
		fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%s\t%s\n",
			r.Category,
			r.Confidence,
			r.Weight,
			r.UpdatedAt.Format("2006-01-02 15:04"),
			formatFeatures(r.Pattern.Features),
		)
	}
	return w.Flush()
}

// formatFeatures renders pattern features as sorted key=value pairs.
func formatFeatures(features map[string]string) string {
	if len(features) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(features))
	for k := range features {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + features[k]
	}
	return strings.Join(parts, " ")
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
