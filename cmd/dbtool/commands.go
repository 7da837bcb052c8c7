package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/PortNumber53/scanvocab/backend/internal/config"
	"github.com/PortNumber53/scanvocab/backend/internal/entitlement"
	"github.com/PortNumber53/scanvocab/backend/internal/migrations"
	"github.com/PortNumber53/scanvocab/backend/internal/models"
	"github.com/PortNumber53/scanvocab/backend/internal/store"
)

type app struct {
	db *sql.DB
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "dbtool",
		Short: "ScanVocab database and subscription maintenance",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.db != nil {
				return a.db.Close()
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newMigrateCmd(a))
	root.AddCommand(newGrantTestProCmd(a))
	root.AddCommand(newRevokeProCmd(a))
	root.AddCommand(newEntitlementCmd(a))
	return root
}

func (a *app) open(ctx context.Context) error {
	dsn, err := config.LoadDatabase()
	if err != nil {
		return err
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	a.db = db
	return nil
}

func (a *app) store() (*store.Store, error) {
	return store.New(a.db)
}

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage schema migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := migrations.Up(a.db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "fix",
		Short: "Clear a dirty migration version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := migrations.FixDirtyDatabase(a.db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "database fixed")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force VERSION",
		Short: "Set the schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid version number: %s", args[0])
			}
			if err := migrations.ForceVersion(a.db, uint(v)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database version forced to %d\n", v)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, dirty, err := migrations.Status(a.db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
			return nil
		},
	})

	return cmd
}

func newGrantTestProCmd(a *app) *cobra.Command {
	var (
		userID string
		days   int
	)
	cmd := &cobra.Command{
		Use:   "grant-test-pro",
		Short: "Give a user an administrative pro grant",
		Long:  "Sets the subscription to active/pro with pro_source test. --days 0 grants without expiry.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			expiresAt, err := grantExpiry(time.Now(), days)
			if err != nil {
				return err
			}
			st, err := a.store()
			if err != nil {
				return err
			}
			if err := st.GrantTestPro(cmd.Context(), userID, expiresAt); err != nil {
				return err
			}
			if expiresAt == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "granted test pro to %s (no expiry)\n", userID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "granted test pro to %s until %s\n", userID, expiresAt.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().IntVar(&days, "days", 30, "grant length in days (0 = never expires)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// grantExpiry turns a --days value into an expiry; 0 means open-ended.
func grantExpiry(now time.Time, days int) (*time.Time, error) {
	if days < 0 {
		return nil, fmt.Errorf("--days must not be negative")
	}
	if days == 0 {
		return nil, nil
	}
	t := now.Add(time.Duration(days) * 24 * time.Hour)
	return &t, nil
}

func newRevokeProCmd(a *app) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "revoke-pro",
		Short: "Revoke a user's pro grant (sets pro_source none)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.store()
			if err != nil {
				return err
			}
			if err := st.RevokePro(cmd.Context(), userID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked pro for %s\n", userID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newEntitlementCmd(a *app) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "entitlement",
		Short: "Print a user's effective subscription status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.store()
			if err != nil {
				return err
			}
			sub, err := st.GetSubscription(cmd.Context(), userID)
			if err != nil {
				return err
			}
			return printEntitlement(cmd.OutOrStdout(), userID, sub, time.Now())
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printEntitlement(w io.Writer, userID string, sub *models.Subscription, now time.Time) error {
	out := map[string]any{
		"user_id":          userID,
		"effective_status": entitlement.EffectiveStatusOf(sub, now),
		"is_pro":           entitlement.IsActiveProSubscription(sub, now),
	}
	if sub != nil {
		out["status"] = sub.Status
		out["plan"] = sub.Plan
		out["pro_source"] = entitlement.ResolveProSource(sub.ProSource).String()
		out["test_pro_expires_at"] = sub.TestProExpiresAt
		out["current_period_end"] = sub.CurrentPeriodEnd
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
