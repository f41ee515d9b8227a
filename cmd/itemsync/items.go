package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	itemsync "github.com/itemsync/itemsync-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// list
	listPage    int
	listOffline bool
	listJSON    bool

	// save
	saveID          string
	saveName        string
	saveDescription string
	saveQuantity    int
	saveDate        string
	saveClosed      bool
	saveLat         float64
	saveLng         float64
)

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(deleteCmd)

	listCmd.Flags().IntVar(&listPage, "page", 0, "page to load (default: the current page)")
	listCmd.Flags().BoolVar(&listOffline, "offline", false, "show the local cache without contacting the backend")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "output as JSON")

	saveCmd.Flags().StringVar(&saveID, "id", "", "id of an existing item to update")
	saveCmd.Flags().StringVar(&saveName, "name", "", "item name")
	saveCmd.Flags().StringVar(&saveDescription, "description", "", "item description")
	saveCmd.Flags().IntVar(&saveQuantity, "quantity", 0, "quantity")
	saveCmd.Flags().StringVar(&saveDate, "date", "", "date (YYYY-MM-DD or RFC 3339); defaults to now for new items")
	saveCmd.Flags().BoolVar(&saveClosed, "closed", false, "mark the item closed")
	saveCmd.Flags().Float64Var(&saveLat, "lat", 0, "latitude")
	saveCmd.Flags().Float64Var(&saveLng, "lng", 0, "longitude")
}

// ============================================================================
// list
// ============================================================================

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List items",
	Long: "Load a page from the backend into the local cache and print the cached items,\n" +
		"with queued writes shown on top. If the backend is unreachable the cache is shown as is.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx, sessionOptions{})
		if err != nil {
			return err
		}
		defer s.Close()

		rec := s.engine.Reconciler()
		if !listOffline {
			page := listPage
			if page == 0 {
				page = rec.Pagination().CurrentPage
			}
			if err := rec.LoadPage(ctx, page); err != nil {
				if !itemsync.IsRetryable(err) {
					return err
				}
				fmt.Printf("Backend unreachable (%v); showing cached items.\n\n", err)
			}
		}

		visible := s.engine.Visible()
		if listJSON {
			return printJSON(visible)
		}

		p := rec.Pagination()
		fmt.Printf("Page %d of %d (page size %d), %d cached\n\n", p.CurrentPage, p.TotalPages, p.PageSize, len(rec.Items()))
		if len(visible) == 0 {
			fmt.Println("No items.")
			return nil
		}
		fmt.Printf("%-38s %-24s %5s  %-10s %s\n", "ID", "NAME", "QTY", "DATE", "STATE")
		for _, v := range visible {
			id := v.ID
			if id == "" {
				id = "(new)"
			}
			state := ""
			if v.Closed {
				state = "closed"
			}
			if v.Unsynced {
				state += " unsynced:" + shortID(v.PendingID)
			}
			date := ""
			if !v.Date.IsZero() {
				date = v.Date.Format("2006-01-02")
			}
			fmt.Printf("%-38s %-24s %5d  %-10s %s\n", id, truncate(v.Name, 24), v.Quantity, date, state)
		}
		return nil
	},
}

// ============================================================================
// save
// ============================================================================

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Create or update an item",
	Long: "Create an item (no --id) or update one (--id). When updating, fields not given\n" +
		"on the command line keep their cached values. If the backend cannot be reached\n" +
		"the write is queued and sent by 'itemsync sync' or 'itemsync watch'.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx, sessionOptions{})
		if err != nil {
			return err
		}
		defer s.Close()

		item := itemsync.Item{ID: saveID}
		if saveID != "" {
			for _, cached := range s.engine.Reconciler().Items() {
				if cached.ID == saveID {
					item = cached
					break
				}
			}
		} else {
			item.Date = itemsync.NewDate(time.Now())
		}

		flags := cmd.Flags()
		if flags.Changed("name") {
			item.Name = saveName
		}
		if flags.Changed("description") {
			item.Description = saveDescription
		}
		if flags.Changed("quantity") {
			item.Quantity = saveQuantity
		}
		if flags.Changed("closed") {
			item.Closed = saveClosed
		}
		if flags.Changed("date") {
			d, err := itemsync.ParseDate(saveDate)
			if err != nil {
				return err
			}
			item.Date = d
		}
		if flags.Changed("lat") || flags.Changed("lng") {
			item.Location = &itemsync.Location{Lat: saveLat, Lng: saveLng}
		}

		outcome, err := s.engine.Save(ctx, item)
		if err != nil {
			return err
		}
		fmt.Printf("Item %s.\n", outcome)
		return nil
	},
}

// ============================================================================
// delete
// ============================================================================

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an item",
	Long:  "Delete an item on the backend and drop it from the local cache. Deletes need a connection.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx, sessionOptions{})
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.engine.Delete(ctx, args[0]); err != nil {
			if itemsync.IsNotFound(err) {
				fmt.Printf("Item %s no longer exists; removed from cache.\n", args[0])
				return nil
			}
			return err
		}
		fmt.Printf("Deleted %s.\n", args[0])
		return nil
	},
}
