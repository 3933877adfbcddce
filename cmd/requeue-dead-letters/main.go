// requeue-dead-letters lists, requeues or discards dead-lettered queue items
// of one tenant.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/requeue-dead-letters --tenant-id=shop-1 [--item-id=...] [--discard] --dry-run=false --confirm=REQUEUE
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/tenant_core/config"
	"github.com/mmdatafocus/tenant_core/models"
	"github.com/mmdatafocus/tenant_core/queue"
	"github.com/mmdatafocus/tenant_core/store/mysqlstore"
	"github.com/mmdatafocus/tenant_core/utils"
)

func main() {
	tenantID := flag.String("tenant-id", "", "Required: tenant id")
	itemID := flag.String("item-id", "", "Only this item (default: every dead letter up to --limit)")
	limit := flag.Int("limit", 100, "Max dead letters to handle")
	discard := flag.Bool("discard", false, "Discard (close as failed) instead of requeue")
	reason := flag.String("reason", "", "Discard reason")
	dryRun := flag.Bool("dry-run", true, "List items only (no writes)")
	confirm := flag.String("confirm", "", "Type REQUEUE (or DISCARD with --discard) to proceed when dry-run=false")
	flag.Parse()

	if strings.TrimSpace(*tenantID) == "" {
		fmt.Fprintln(os.Stderr, "--tenant-id is required")
		os.Exit(1)
	}
	word := "REQUEUE"
	if *discard {
		word = "DISCARD"
	}
	if !*dryRun && strings.TrimSpace(*confirm) != word {
		fmt.Fprintf(os.Stderr, "set --confirm=%s to proceed\n", word)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := config.ConnectDatabaseWithRetry(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database not initialized: %v\n", err)
		os.Exit(1)
	}
	st := mysqlstore.New(db)
	defer st.Close()

	ctx = utils.SetIsAdminInContext(ctx, true)
	ctx = utils.SetUserIdInContext(ctx, "requeue-dead-letters")
	manager := queue.NewManager(st, queue.DefaultConfig(), config.GetLogger())

	items, err := manager.ListDeadLetters(ctx, *tenantID, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list failed: %v\n", err)
		os.Exit(1)
	}
	var selected []models.QueueItem
	for _, it := range items {
		if *itemID == "" || it.ID == *itemID {
			selected = append(selected, it)
		}
	}
	if len(selected) == 0 {
		fmt.Println("no dead letters matched")
		return
	}

	failed := 0
	for _, it := range selected {
		printItem(it)
		if *dryRun {
			continue
		}
		if *discard {
			_, err = manager.DiscardDeadLetter(ctx, *tenantID, it.ID, *reason)
		} else {
			_, err = manager.RequeueDeadLetter(ctx, *tenantID, it.ID)
		}
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "  %s failed: %v\n", strings.ToLower(word), err)
			continue
		}
		fmt.Printf("  %s ok\n", strings.ToLower(word))
	}
	if failed > 0 {
		os.Exit(2)
	}
}

func printItem(it models.QueueItem) {
	reason := ""
	if it.FailureReason != nil {
		reason = *it.FailureReason
	}
	deadAt := ""
	if it.DeadLetteredAt != nil {
		deadAt = it.DeadLetteredAt.Format("2006-01-02 15:04:05")
	}
	fmt.Printf("id=%s kind=%s attempts=%d dead_lettered_at=%s reason=%q\n", it.ID, it.Kind, it.AttemptCount, deadAt, reason)
}
