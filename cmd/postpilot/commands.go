package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"postpilot/internal/app"
	"postpilot/internal/config"
	"postpilot/internal/domain"
	"postpilot/internal/ops"
	"postpilot/internal/planner"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

// withSession runs fn against the configured store without daemons.
func withSession(fn func(ctx context.Context, s *app.Session) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	s, err := app.OpenSession(cfgPath, logx.NewConsole("warn"))
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

var timeLayouts = []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04"}

// parseTime accepts RFC 3339 or a local "YYYY-MM-DD HH:MM".
func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (use RFC 3339 or YYYY-MM-DD HH:MM)", raw)
}

func optionalTime(cmd *cobra.Command, name string) (time.Time, error) {
	raw, _ := cmd.Flags().GetString(name)
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	t, err := parseTime(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

// readPayloads returns one payload reference per non-empty line; "-" reads stdin.
func readPayloads(path string) ([]string, error) {
	f := os.Stdin
	if path != "-" {
		var err error
		if f, err = os.Open(path); err != nil {
			return nil, err
		}
		defer f.Close()
	}
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Book one content item for an account",
	Long: `Book one content item for an account.

Examples:
  postpilot submit --account acme --payload s3://bucket/post-1.json
  postpilot submit --account acme --payload post-2 --at "2026-03-02 18:00"
  postpilot submit --account acme --payload post-3 --strategy random
  postpilot submit --account acme --payload post-4 --strategy random --from "2026-03-05 00:00" --to "2026-03-07 00:00"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		account, _ := cmd.Flags().GetString("account")
		payload, _ := cmd.Flags().GetString("payload")
		strategy, _ := cmd.Flags().GetString("strategy")
		at, err := optionalTime(cmd, "at")
		if err != nil {
			return err
		}
		from, err := optionalTime(cmd, "from")
		if err != nil {
			return err
		}
		to, err := optionalTime(cmd, "to")
		if err != nil {
			return err
		}
		req := planner.SubmitRequest{AccountID: account, PayloadRef: payload, Strategy: strategy, From: from, To: to}
		if !at.IsZero() {
			req.RequestedAt = &at
		}
		return withSession(func(ctx context.Context, s *app.Session) error {
			it, err := s.Planner.Submit(ctx, req)
			if err != nil {
				return err
			}
			printSuccess("Booked %s at %s", it.ID, it.At().Format(time.RFC3339))
			return printJSON(it)
		})
	},
}

// --- bulk ---

type bulkLine struct {
	Index int          `json:"index"`
	Item  *domain.Item `json:"item,omitempty"`
	Error string       `json:"error,omitempty"`
}

var bulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: "Book many content items for an account",
	Long: `Book many content items for an account. Each payload is booked on its
own; failures are reported per line and the rest still go through.

Examples:
  postpilot bulk --account acme --payloads a,b,c --strategy spaced --gap 6h
  postpilot bulk --account acme --file payloads.txt --strategy random --from "2026-03-02 00:00" --to "2026-03-09 00:00"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		account, _ := cmd.Flags().GetString("account")
		payloads, _ := cmd.Flags().GetStringSlice("payloads")
		file, _ := cmd.Flags().GetString("file")
		strategy, _ := cmd.Flags().GetString("strategy")
		gap, _ := cmd.Flags().GetDuration("gap")
		if file != "" {
			more, err := readPayloads(file)
			if err != nil {
				return fmt.Errorf("reading payloads: %w", err)
			}
			payloads = append(payloads, more...)
		}
		from, err := optionalTime(cmd, "from")
		if err != nil {
			return err
		}
		to, err := optionalTime(cmd, "to")
		if err != nil {
			return err
		}

		return withSession(func(ctx context.Context, s *app.Session) error {
			results, err := s.Planner.SubmitBulk(ctx, planner.BulkRequest{
				AccountID:   account,
				PayloadRefs: payloads,
				Strategy:    strategy,
				From:        from,
				To:          to,
				Gap:         gap,
			})
			if err != nil {
				return err
			}
			lines := make([]bulkLine, len(results))
			failed := 0
			for i, r := range results {
				lines[i] = bulkLine{Index: r.Index}
				if r.Err != nil {
					lines[i].Error = r.Err.Error()
					failed++
					continue
				}
				lines[i].Item = &r.Item
			}
			if failed > 0 {
				printWarning("%d of %d payloads could not be booked", failed, len(results))
			} else {
				printSuccess("Booked %d payloads", len(results))
			}
			return printJSON(lines)
		})
	},
}

// --- reschedule / cancel ---

var rescheduleCmd = &cobra.Command{
	Use:   "reschedule <item-id>",
	Short: "Move an item to a new time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		at, err := optionalTime(cmd, "at")
		if err != nil {
			return err
		}
		if at.IsZero() {
			return errors.New("--at is required")
		}
		return withSession(func(ctx context.Context, s *app.Session) error {
			it, err := s.Planner.Reschedule(ctx, args[0], at)
			if err != nil {
				return err
			}
			printSuccess("Moved %s to %s", it.ID, it.At().Format(time.RFC3339))
			return printJSON(it)
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <item-id>",
	Short: "Cancel an item and free its slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *app.Session) error {
			if err := s.Planner.Cancel(ctx, args[0]); err != nil {
				return err
			}
			printSuccess("Cancelled %s", args[0])
			return nil
		})
	},
}

// --- capacity / alerts ---

var capacityCmd = &cobra.Command{
	Use:   "capacity <account-id>",
	Short: "Show slot occupancy over the next days",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		window, _ := cmd.Flags().GetInt("window")
		return withSession(func(ctx context.Context, s *app.Session) error {
			snap, err := s.Planner.Capacity(ctx, args[0], window)
			if err != nil {
				return err
			}
			return printJSON(snap)
		})
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts <account-id>",
	Short: "List conditions needing attention for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		window, _ := cmd.Flags().GetInt("window")
		return withSession(func(ctx context.Context, s *app.Session) error {
			alerts, err := s.Planner.Alerts(ctx, args[0], window)
			if err != nil {
				return err
			}
			if len(alerts) == 0 {
				printSuccess("No alerts for %s", args[0])
			}
			return printJSON(alerts)
		})
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon state from a running serve process",
	Long: `Show daemon state from a running serve process through its ops API.
The address and token default to the ops section of the config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		token, _ := cmd.Flags().GetString("token")
		if addr == "" || token == "" {
			if cfgAddr, cfgToken, err := opsTarget(); err == nil {
				addr = orDefault(addr, cfgAddr)
				token = orDefault(token, cfgToken)
			} else if addr == "" {
				return err
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		rep, err := ops.NewClient(addr, token).Status(ctx)
		if err != nil {
			return err
		}
		return printJSON(rep)
	},
}

func opsTarget() (addr, token string, err error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return "", "", err
	}
	oc, err := cfg.ResolveOps()
	if err != nil {
		return "", "", err
	}
	return oc.Addr, oc.Token, nil
}

// orDefault returns a unless it is empty.
func orDefault(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// --- items ---

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "List items, optionally by account and status",
	RunE: func(cmd *cobra.Command, args []string) error {
		account, _ := cmd.Flags().GetString("account")
		statuses, _ := cmd.Flags().GetStringSlice("status")
		limit, _ := cmd.Flags().GetInt("limit")
		f := storage.ItemFilter{AccountID: account, Limit: limit}
		for _, raw := range statuses {
			st := domain.ItemStatus(strings.TrimSpace(raw))
			if !st.Valid() {
				return fmt.Errorf("unknown item status %q", raw)
			}
			f.Statuses = append(f.Statuses, st)
		}
		return withSession(func(ctx context.Context, s *app.Session) error {
			items, err := s.Planner.Items(ctx, f)
			if err != nil {
				return err
			}
			return printJSON(items)
		})
	},
}

// --- migrate-legacy ---

var migrateLegacyCmd = &cobra.Command{
	Use:   "migrate-legacy",
	Short: "Fold a legacy JSON document store into the primary store",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		return withSession(func(ctx context.Context, s *app.Session) error {
			if path == "" {
				path = strings.TrimSpace(s.Config.Storage.LegacyPath)
			}
			if path == "" {
				return errors.New("--path is required when storage.legacy_path is not set")
			}
			rep, err := s.MigrateLegacy(ctx, path)
			if err != nil {
				return err
			}
			if len(rep.Collisions) > 0 {
				printWarning("%d legacy bookings collide with the primary store and were skipped", len(rep.Collisions))
			}
			printSuccess("Imported %d accounts and %d items", rep.AccountsImported, rep.ItemsImported)
			return printJSON(rep)
		})
	},
}

func init() {
	submitCmd.Flags().String("account", "", "account id")
	submitCmd.Flags().String("payload", "", "payload reference")
	submitCmd.Flags().String("at", "", "requested time (RFC 3339 or YYYY-MM-DD HH:MM)")
	submitCmd.Flags().String("strategy", "", "sequential, random or spaced")
	submitCmd.Flags().String("from", "", "range start for random and spaced")
	submitCmd.Flags().String("to", "", "range end for random and spaced")
	_ = submitCmd.MarkFlagRequired("account")
	_ = submitCmd.MarkFlagRequired("payload")

	bulkCmd.Flags().String("account", "", "account id")
	bulkCmd.Flags().StringSlice("payloads", nil, "comma-separated payload references")
	bulkCmd.Flags().String("file", "", "file with one payload reference per line (- for stdin)")
	bulkCmd.Flags().String("strategy", "", "sequential, random or spaced")
	bulkCmd.Flags().String("from", "", "window start for random and spaced")
	bulkCmd.Flags().String("to", "", "window end for random and spaced")
	bulkCmd.Flags().Duration("gap", 0, "target spacing for the spaced strategy")
	_ = bulkCmd.MarkFlagRequired("account")

	rescheduleCmd.Flags().String("at", "", "new time (RFC 3339 or YYYY-MM-DD HH:MM)")

	capacityCmd.Flags().Int("window", 0, "window in days (default from config)")
	alertsCmd.Flags().Int("window", 0, "window in days (default from config)")

	statusCmd.Flags().String("addr", "", "ops API address (default ops.addr)")
	statusCmd.Flags().String("token", "", "ops API token (default ops.token)")

	itemsCmd.Flags().String("account", "", "account id")
	itemsCmd.Flags().StringSlice("status", nil, "item statuses to include")
	itemsCmd.Flags().Int("limit", 0, "maximum number of items")

	migrateLegacyCmd.Flags().String("path", "", "legacy store path (default storage.legacy_path)")
}
