package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"Mansoor88-6/dose-tracker/internal/database"
	"Mansoor88-6/dose-tracker/internal/models"
	"Mansoor88-6/dose-tracker/internal/queue"
	"Mansoor88-6/dose-tracker/internal/repository"
	"Mansoor88-6/dose-tracker/internal/service"
	"Mansoor88-6/dose-tracker/internal/tracking"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var itemFlags struct {
	name       string
	category   string
	favourite  bool
	targets    []string
	stockUsage string

	at    string
	stock string

	count  int
	spaced bool

	qty  string
	note string
}

var itemCmd = &cobra.Command{
	Use:   "item",
	Short: "Manage tracked items",
	Long: `Create tracked items, record occurrences and inspect their schedule.

Targets are written QTY/DURATION, where DURATION is a Go duration ("4h")
or a .NET style time span ("1.00:00:00" for one day).

Examples:
  # At most 1 per 4 hours and 4 per day, one tablet each time
  dose-tracker item create --name Paracetamol --target 1/4h --target 4/1.00:00:00 --stock-usage 1

  # Record a dose now
  dose-tracker item add 5f0c...

  # Show the next three allowed times
  dose-tracker item next 5f0c... -n 3`,
}

var itemCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a tracked item",
	Args:  cobra.NoArgs,
	RunE: withItems(func(cmd *cobra.Command, args []string, svc *service.TrackedItemService) error {
		req, err := createRequest()
		if err != nil {
			return err
		}
		item, err := svc.Create(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), item.ID)
		return nil
	}),
}

var itemAddCmd = &cobra.Command{
	Use:   "add ID",
	Short: "Record an occurrence",
	Args:  cobra.ExactArgs(1),
	RunE: withItems(func(cmd *cobra.Command, args []string, svc *service.TrackedItemService) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid item id: %w", err)
		}

		var req models.AddOccurrenceRequest
		if itemFlags.at != "" {
			at, err := time.Parse(time.RFC3339, itemFlags.at)
			if err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
			req.Timestamp = &at
		}
		if itemFlags.stock != "" {
			used, err := decimal.NewFromString(itemFlags.stock)
			if err != nil {
				return fmt.Errorf("invalid --stock: %w", err)
			}
			req.StockUsed = &used
		}

		item, err := svc.RecordOccurrence(cmd.Context(), id, &req)
		if err != nil {
			return err
		}
		printView(cmd.OutOrStdout(), service.NewItemView(item, time.Now()))
		return nil
	}),
}

var itemStatusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show an item's status, next allowed time and stock level",
	Args:  cobra.ExactArgs(1),
	RunE: withItems(func(cmd *cobra.Command, args []string, svc *service.TrackedItemService) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid item id: %w", err)
		}
		view, err := svc.View(cmd.Context(), id)
		if err != nil {
			return err
		}
		printView(cmd.OutOrStdout(), view)
		return nil
	}),
}

var itemNextCmd = &cobra.Command{
	Use:   "next ID",
	Short: "Project the next allowed occurrences",
	Args:  cobra.ExactArgs(1),
	RunE: withItems(func(cmd *cobra.Command, args []string, svc *service.TrackedItemService) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid item id: %w", err)
		}
		resp, err := svc.Schedule(cmd.Context(), id, itemFlags.count, itemFlags.spaced)
		if err != nil {
			return err
		}
		for _, t := range resp.Occurrences {
			fmt.Fprintln(cmd.OutOrStdout(), t.Local().Format(time.RFC3339))
		}
		return nil
	}),
}

var itemListCmd = &cobra.Command{
	Use:   "list",
	Short: "List items, most urgent first",
	Args:  cobra.NoArgs,
	RunE: withItems(func(cmd *cobra.Command, args []string, svc *service.TrackedItemService) error {
		items, err := svc.List(cmd.Context())
		if err != nil {
			return err
		}

		now := time.Now()
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tNEXT\tSTOCK")
		for _, item := range items {
			view := service.NewItemView(item, now)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", item.ID, item.Name, view.Status, formatNext(view.NextOccurrence), view.StockLevel)
		}
		return tw.Flush()
	}),
}

var itemDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete an item and its archives",
	Args:  cobra.ExactArgs(1),
	RunE: withItems(func(cmd *cobra.Command, args []string, svc *service.TrackedItemService) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid item id: %w", err)
		}
		return svc.Delete(cmd.Context(), id)
	}),
}

var itemStockCmd = &cobra.Command{
	Use:   "stock ID",
	Short: "Record a stock acquisition",
	Args:  cobra.ExactArgs(1),
	RunE: withItems(func(cmd *cobra.Command, args []string, svc *service.TrackedItemService) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid item id: %w", err)
		}
		qty, err := decimal.NewFromString(itemFlags.qty)
		if err != nil {
			return fmt.Errorf("invalid --qty: %w", err)
		}

		item, err := svc.AddStock(cmd.Context(), id, &models.AddStockRequest{Quantity: qty, Note: itemFlags.note})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stock level: %s\n", item.CurrentStockLevel())
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(itemCmd)
	itemCmd.AddCommand(itemCreateCmd, itemAddCmd, itemStatusCmd, itemNextCmd, itemListCmd, itemDeleteCmd, itemStockCmd)

	itemCreateCmd.Flags().StringVar(&itemFlags.name, "name", "", "item name")
	itemCreateCmd.Flags().StringVar(&itemFlags.category, "category", "", "item category")
	itemCreateCmd.Flags().BoolVar(&itemFlags.favourite, "favourite", false, "mark as favourite")
	itemCreateCmd.Flags().StringArrayVar(&itemFlags.targets, "target", nil, "target as QTY/DURATION (repeatable)")
	itemCreateCmd.Flags().StringVar(&itemFlags.stockUsage, "stock-usage", "", "stock used per occurrence")
	itemCreateCmd.MarkFlagRequired("name")

	itemAddCmd.Flags().StringVar(&itemFlags.at, "at", "", "occurrence time (RFC3339), defaults to now")
	itemAddCmd.Flags().StringVar(&itemFlags.stock, "stock", "", "stock used, defaults to the item's stock usage")

	itemNextCmd.Flags().IntVarP(&itemFlags.count, "count", "n", 5, "number of occurrences")
	itemNextCmd.Flags().BoolVar(&itemFlags.spaced, "spaced", false, "spread occurrences evenly across each target window")

	itemStockCmd.Flags().StringVar(&itemFlags.qty, "qty", "", "quantity acquired")
	itemStockCmd.Flags().StringVar(&itemFlags.note, "note", "", "note")
	itemStockCmd.MarkFlagRequired("qty")
}

// withItems opens the database and builds the item service for fn. When
// sync is enabled, changes are queued for the running server to deliver.
func withItems(fn func(*cobra.Command, []string, *service.TrackedItemService) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		svc := service.NewTrackedItemService(db.DB, nil, nil, nil, log.Logger)
		if cfg.Sync.Enabled {
			pub, err := newQueuePublisher(cmd.Context(), db)
			if err != nil {
				return err
			}
			svc.SetPublisher(pub)
		}
		return fn(cmd, args, svc)
	}
}

// queuePublisher parks events in the outbox. The serve command drains it.
type queuePublisher struct {
	queue    *queue.EventQueue
	deviceID string
}

func newQueuePublisher(ctx context.Context, db *database.DB) (*queuePublisher, error) {
	identity, err := loadIdentity(ctx, repository.NewDeviceRepository(db.DB))
	if err != nil {
		return nil, err
	}
	return &queuePublisher{
		queue:    queue.NewEventQueue(db.DB, log.Logger),
		deviceID: identity.ID,
	}, nil
}

func (p *queuePublisher) Publish(event models.SyncEvent) {
	if err := p.queue.Enqueue(p.deviceID, []models.SyncEvent{event}); err != nil {
		log.Error("Failed to queue sync event", zap.String("event_id", event.EventID), zap.Error(err))
	}
}

func createRequest() (*models.CreateItemRequest, error) {
	req := &models.CreateItemRequest{
		Name:      itemFlags.name,
		Category:  itemFlags.category,
		Favourite: itemFlags.favourite,
	}
	for _, raw := range itemFlags.targets {
		t, err := parseTarget(raw)
		if err != nil {
			return nil, err
		}
		req.Targets = append(req.Targets, t)
	}
	if itemFlags.stockUsage != "" {
		usage, err := decimal.NewFromString(itemFlags.stockUsage)
		if err != nil {
			return nil, fmt.Errorf("invalid --stock-usage: %w", err)
		}
		req.DefaultStockUsage = &usage
	}
	return req, nil
}

// parseTarget parses QTY/DURATION
func parseTarget(raw string) (models.TargetRequest, error) {
	qtyStr, freq, ok := strings.Cut(raw, "/")
	if !ok || freq == "" {
		return models.TargetRequest{}, fmt.Errorf("invalid target %q, want QTY/DURATION", raw)
	}
	var qty int
	if _, err := fmt.Sscan(qtyStr, &qty); err != nil {
		return models.TargetRequest{}, fmt.Errorf("invalid target quantity %q: %w", qtyStr, err)
	}
	if _, err := tracking.ParseTimeSpan(freq); err != nil {
		return models.TargetRequest{}, fmt.Errorf("invalid target duration %q: %w", freq, err)
	}
	return models.TargetRequest{Qty: qty, Frequency: freq}, nil
}

func printView(w io.Writer, view *models.ItemView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Item:\t%s (%s)\n", view.Item.Name, view.Item.ID)
	fmt.Fprintf(tw, "Status:\t%s\n", view.Status)
	fmt.Fprintf(tw, "Next:\t%s\n", formatNext(view.NextOccurrence))
	fmt.Fprintf(tw, "Stock:\t%s\n", view.StockLevel)
	fmt.Fprintf(tw, "Occurrences:\t%d\n", len(view.Item.PastOccurrences))
	tw.Flush()
}

func formatNext(next *time.Time) string {
	if next == nil {
		return "-"
	}
	return next.Local().Format(time.RFC3339)
}
