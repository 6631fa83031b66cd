package cmd

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/ValgulNecron/kasuki-sub002/kasuki"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// Exclusion list management. Changes take effect on a running bot at its
// next blacklist refresh; no restart needed.

var blacklistReason string

var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "Manage the user exclusion list",
}

var blacklistAddCmd = &cobra.Command{
	Use:   "add [user_id]",
	Short: "Exclude a user from color syncing and delete their stored color",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		userID := args[0]

		db, err := kasuki.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error opening database: %v", err)
		}

		entry := kasuki.BlacklistedUser{UserID: userID, Reason: blacklistReason}
		err = db.WithContext(ctx).Transaction(
			func(tx *gorm.DB) error {
				if txErr := tx.Save(&entry).Error; txErr != nil {
					return txErr
				}
				return tx.Where(
					"user_id = ?", userID,
				).Delete(&kasuki.MemberColor{}).Error
			},
		)
		if err != nil {
			log.Fatalf("Error blacklisting user: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Blacklisted user %s\n", userID)
	},
}

var blacklistRemoveCmd = &cobra.Command{
	Use:   "remove [user_id]",
	Short: "Remove a user from the exclusion list",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		userID := args[0]

		db, err := kasuki.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error opening database: %v", err)
		}

		rv := db.WithContext(ctx).Where(
			"user_id = ?", userID,
		).Delete(&kasuki.BlacklistedUser{})
		if rv.Error != nil {
			log.Fatalf("Error removing user from blacklist: %v", rv.Error)
		}
		if rv.RowsAffected == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "User %s was not blacklisted\n", userID)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed user %s from the blacklist\n", userID)
	},
}

var blacklistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all excluded users",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		db, err := kasuki.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error opening database: %v", err)
		}

		var entries []kasuki.BlacklistedUser
		rv := db.WithContext(ctx).Order("user_id").Find(&entries)
		if rv.Error != nil && !errors.Is(rv.Error, gorm.ErrRecordNotFound) {
			log.Fatalf("Error listing blacklist: %v", rv.Error)
		}

		out := cmd.OutOrStdout()
		for _, entry := range entries {
			line := entry.UserID
			if reason := strings.TrimSpace(entry.Reason); reason != "" {
				line = fmt.Sprintf("%s\t%s", line, reason)
			}
			fmt.Fprintln(out, line)
		}
	},
}

//nolint:gochecknoinits
func init() {
	blacklistAddCmd.Flags().StringVar(
		&blacklistReason,
		"reason",
		"",
		"Optional note on why the user is excluded",
	)
	blacklistCmd.AddCommand(blacklistAddCmd)
	blacklistCmd.AddCommand(blacklistRemoveCmd)
	blacklistCmd.AddCommand(blacklistListCmd)
	rootCmd.AddCommand(blacklistCmd)
}
