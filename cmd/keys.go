package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/taskdesk/server/config"
	"github.com/taskdesk/server/internal/db"
	"github.com/taskdesk/server/internal/services"
	"github.com/taskdesk/server/internal/storage"
	"github.com/taskdesk/server/internal/store"
	"github.com/taskdesk/server/types"
)

var (
	keyCreatedBy   string
	keyDepartment  string
	keyEmailDomain string
	keyMaxUses     int
	keyPermissions string
	keyNotes       string
	keyExpiresIn   time.Duration
	keyExpiresAt   string
	keyActor       string
	keyReason      string
	keyListAll     bool
	keyStatsID     int
	keyArchiveFrom time.Duration
)

// keysCmd groups the admin registration key operations.
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage admin registration keys",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a key and print its secret once",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := services.CreateKeyOptions{
			Department:  keyDepartment,
			EmailDomain: keyEmailDomain,
			Notes:       keyNotes,
		}
		if keyMaxUses > 0 {
			opts.MaxUses = &keyMaxUses
		}
		for _, p := range strings.Split(keyPermissions, ",") {
			if p = strings.TrimSpace(p); p != "" {
				opts.Permissions = append(opts.Permissions, p)
			}
		}
		switch {
		case keyExpiresAt != "":
			at, err := time.Parse(time.RFC3339, keyExpiresAt)
			if err != nil {
				return fmt.Errorf("--expires-at: %w", err)
			}
			opts.ExpiresAt = &at
		case keyExpiresIn > 0:
			at := time.Now().Add(keyExpiresIn)
			opts.ExpiresAt = &at
		}

		return withKeyService(cmd, func(ctx context.Context, keys *services.KeyService, _ *sql.DB) error {
			created, err := keys.CreateKey(ctx, keyCreatedBy, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key id:  %d\n", created.Key.ID)
			fmt.Fprintf(out, "prefix:  %s\n", created.Key.KeyPrefix)
			fmt.Fprintf(out, "secret:  %s\n", created.Secret)
			fmt.Fprintln(out, "The secret is not stored and cannot be shown again.")
			return nil
		})
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid key id %q", args[0])
		}
		return withKeyService(cmd, func(ctx context.Context, keys *services.KeyService, _ *sql.DB) error {
			if err := keys.RevokeKey(ctx, id, keyActor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key %d revoked\n", id)
			return nil
		})
	},
}

var keysDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a key with a reason",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid key id %q", args[0])
		}
		return withKeyService(cmd, func(ctx context.Context, keys *services.KeyService, _ *sql.DB) error {
			if err := keys.DisableKey(ctx, id, keyReason, keyActor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key %d disabled\n", id)
			return nil
		})
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List usable keys (or every key with --all)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyService(cmd, func(ctx context.Context, keys *services.KeyService, _ *sql.DB) error {
			list := keys.ListActiveKeys
			if keyListAll {
				list = keys.ListKeys
			}
			found, err := list(ctx)
			if err != nil {
				return err
			}
			printKeys(cmd.OutOrStdout(), found)
			return nil
		})
	},
}

var keysStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show usage statistics per key",
	RunE: func(cmd *cobra.Command, args []string) error {
		var id *int
		if keyStatsID > 0 {
			id = &keyStatsID
		}
		return withKeyService(cmd, func(ctx context.Context, keys *services.KeyService, _ *sql.DB) error {
			stats, err := keys.GetKeyStatistics(ctx, id)
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), stats)
			return nil
		})
	},
}

var keysArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Upload the key audit log to object storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		objects, err := storage.Open(cmd.Context(), cfg)
		if errors.Is(err, storage.ErrDisabled) {
			return errors.New("STORAGE_BACKEND is not configured")
		}
		if err != nil {
			return err
		}
		return withKeyService(cmd, func(ctx context.Context, _ *services.KeyService, conn *sql.DB) error {
			archiver := storage.NewAuditArchiver(store.NewAdminKeyRepository(conn), objects)
			res, err := archiver.Archive(ctx, time.Now().Add(-keyArchiveFrom))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d attempt(s) and %d history entries to %s/%s\n",
				res.Attempts, res.History, objects.Bucket(), res.Key)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysCreateCmd, keysRevokeCmd, keysDisableCmd, keysListCmd, keysStatsCmd, keysArchiveCmd)

	f := keysCreateCmd.Flags()
	f.StringVar(&keyCreatedBy, "created-by", "", "operator identity recorded on the key")
	f.StringVar(&keyDepartment, "department", "", "only allow this department")
	f.StringVar(&keyEmailDomain, "email-domain", "", "only allow emails at this domain")
	f.IntVar(&keyMaxUses, "max-uses", 0, "maximum registrations (0 for unlimited)")
	f.StringVar(&keyPermissions, "permissions", "", "comma separated permissions granted to registered admins")
	f.StringVar(&keyNotes, "notes", "", "free-text notes")
	f.DurationVar(&keyExpiresIn, "expires-in", 0, "expire after this duration")
	f.StringVar(&keyExpiresAt, "expires-at", "", "expire at this RFC 3339 time")
	_ = keysCreateCmd.MarkFlagRequired("created-by")
	keysCreateCmd.MarkFlagsMutuallyExclusive("expires-in", "expires-at")

	for _, c := range []*cobra.Command{keysRevokeCmd, keysDisableCmd} {
		c.Flags().StringVar(&keyActor, "actor", "cli", "operator identity recorded in the key history")
	}
	keysDisableCmd.Flags().StringVar(&keyReason, "reason", "", "why the key is disabled")
	keysListCmd.Flags().BoolVar(&keyListAll, "all", false, "include revoked and expired keys")
	keysStatsCmd.Flags().IntVar(&keyStatsID, "id", 0, "only this key")
	keysArchiveCmd.Flags().DurationVar(&keyArchiveFrom, "since", 24*time.Hour, "archive entries recorded within this duration")
}

func withKeyService(cmd *cobra.Command, fn func(ctx context.Context, keys *services.KeyService, conn *sql.DB) error) error {
	cfg := config.LoadConfig()
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	conn, err := db.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer conn.Close()

	keys := services.NewKeyService(services.NewRepositories(conn).Keys, cfg.Security)
	return fn(ctx, keys, conn)
}

func printKeys(out io.Writer, keys []types.AdminKey) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPREFIX\tCREATED BY\tDEPARTMENT\tDOMAIN\tUSES\tEXPIRES\tACTIVE")
	for _, k := range keys {
		uses := strconv.Itoa(k.UsageCount)
		if k.MaxUses != nil {
			uses += "/" + strconv.Itoa(*k.MaxUses)
		}
		expires := "-"
		if k.ExpiresAt != nil {
			expires = k.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			k.ID, k.KeyPrefix, k.CreatedBy, deref(k.DepartmentRestriction), deref(k.EmailDomainRestriction), uses, expires, k.IsActive)
	}
	_ = w.Flush()
}

func printStats(out io.Writer, stats []types.AdminKeyStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPREFIX\tACTIVE\tUSES\tATTEMPTS\tOK\tFAILED\tREGISTRATIONS")
	for _, s := range stats {
		uses := strconv.Itoa(s.UsageCount)
		if s.MaxUses != nil {
			uses += "/" + strconv.Itoa(*s.MaxUses)
		}
		fmt.Fprintf(w, "%d\t%s\t%t\t%s\t%d\t%d\t%d\t%d\n",
			s.KeyID, s.KeyPrefix, s.IsActive, uses, s.TotalAttempts, s.SuccessfulAttempts, s.FailedAttempts, s.Registrations)
	}
	_ = w.Flush()
}

func deref(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
