package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"postpilot/internal/app"
	"postpilot/internal/domain"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage accounts and their posting patterns",
}

var accountPutCmd = &cobra.Command{
	Use:   "put <account-id>",
	Short: "Create or update an account",
	Long: `Create or update an account. Omitted flags keep the stored value.

Examples:
  postpilot account put acme --timezone Europe/Berlin --slots 09:00,13:00,18:30 --status active
  postpilot account put acme --max-per-day 2 --min-interval 3h --tolerance 15m`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *app.Session) error {
			acc, err := s.Planner.Accounts(ctx)
			if err != nil {
				return err
			}
			cur := domain.Account{ID: args[0]}
			for _, a := range acc {
				if a.ID == args[0] {
					cur = a
					break
				}
			}
			if err := applyAccountFlags(cmd, &cur); err != nil {
				return err
			}
			saved, err := s.Planner.PutAccount(ctx, cur)
			if err != nil {
				return err
			}
			printSuccess("Saved account %s (%s)", saved.ID, saved.Status)
			return printJSON(saved)
		})
	},
}

// applyAccountFlags copies the flags the user set onto acc.
func applyAccountFlags(cmd *cobra.Command, acc *domain.Account) error {
	f := cmd.Flags()
	if f.Changed("name") {
		acc.Name, _ = f.GetString("name")
	}
	if f.Changed("platform") {
		acc.Platform, _ = f.GetString("platform")
	}
	if f.Changed("status") {
		raw, _ := f.GetString("status")
		acc.Status = domain.AccountStatus(strings.TrimSpace(raw))
	}
	if f.Changed("timezone") || f.Changed("slots") {
		tz := acc.Pattern.Timezone
		if f.Changed("timezone") {
			tz, _ = f.GetString("timezone")
		}
		var slots []string
		if f.Changed("slots") {
			slots, _ = f.GetStringSlice("slots")
		} else {
			for _, s := range acc.Pattern.Slots {
				slots = append(slots, s.String())
			}
		}
		p, err := domain.ParsePattern(tz, slots...)
		if err != nil {
			return fmt.Errorf("--slots: %w", err)
		}
		acc.Pattern = p
	}
	if f.Changed("max-per-day") {
		acc.MaxPerDay, _ = f.GetInt("max-per-day")
	}
	if f.Changed("min-interval") {
		acc.MinInterval, _ = f.GetDuration("min-interval")
	}
	if f.Changed("tolerance") {
		acc.ToleranceWindow, _ = f.GetDuration("tolerance")
	}
	return nil
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *app.Session) error {
			accounts, err := s.Planner.Accounts(ctx)
			if err != nil {
				return err
			}
			return printJSON(accounts)
		})
	},
}

var accountStatusCmd = &cobra.Command{
	Use:   "set-status <account-id> <active|inactive|error|suspended>",
	Short: "Change an account's status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		status := domain.AccountStatus(strings.ToLower(strings.TrimSpace(args[1])))
		if !status.Valid() {
			return fmt.Errorf("unknown account status %q", args[1])
		}
		return withSession(func(ctx context.Context, s *app.Session) error {
			if err := s.Planner.SetAccountStatus(ctx, args[0], status, reason); err != nil {
				return err
			}
			printSuccess("Account %s is now %s", args[0], status)
			return nil
		})
	},
}

var accountAllocateCmd = &cobra.Command{
	Use:   "allocate <account-id>",
	Short: "Book every pending item of an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *app.Session) error {
			results, err := s.Planner.AllocatePending(ctx, args[0])
			if err != nil {
				return err
			}
			var errs []error
			for _, r := range results {
				if r.Err != nil {
					errs = append(errs, fmt.Errorf("item %s: %w", r.Item.ID, r.Err))
				}
			}
			printSuccess("Booked %d of %d pending items", len(results)-len(errs), len(results))
			if err := printJSON(results); err != nil {
				return err
			}
			return errors.Join(errs...)
		})
	},
}

func addAccountFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("name", "", "display name")
	f.String("platform", "", "platform label")
	f.String("status", "", "active, inactive, error or suspended")
	f.String("timezone", "", "IANA time zone of the posting pattern")
	f.StringSlice("slots", nil, "daily posting times, HH:MM")
	f.Int("max-per-day", 0, "daily cap (0 means no cap)")
	f.Duration("min-interval", 0, "minimum gap between posts")
	f.Duration("tolerance", 0, "how late a post may still go out")
}

func init() {
	addAccountFlags(accountPutCmd)
	accountStatusCmd.Flags().String("reason", "", "reason recorded with the change")

	accountCmd.AddCommand(accountPutCmd, accountListCmd, accountStatusCmd, accountAllocateCmd)
}
