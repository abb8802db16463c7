// Command tally is a small CLI over the local-first debt ledger: every
// write lands in the local event log immediately and syncs to the server
// when one is reachable.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tally/internal/config"
	"tally/internal/event"
	"tally/internal/localstore"
	"tally/internal/money"
	"tally/internal/realtime"
	"tally/internal/sync"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
	}
	cfg := config.Load()
	ctx := context.Background()

	store, err := localstore.Open(ctx, cfg.LocalDBPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	switch os.Args[1] {
	case "contacts":
		for _, contact := range store.Contacts() {
			fmt.Printf("%s\t%s\t%s\n", contact.ID, contact.Name, money.FormatMinor(contact.Balance))
		}
	case "transactions":
		for _, transaction := range store.Transactions() {
			fmt.Printf("%s\t%s\t%s %s\t%s\n", transaction.ID, transaction.Direction,
				money.FormatMinor(transaction.Amount), transaction.Currency, transaction.ContactID)
		}
	case "add-contact":
		requireArgs(3, "add-contact NAME")
		contact, err := store.CreateContact(ctx, event.ContactSnapshot{Name: os.Args[2]})
		if err != nil {
			log.Fatalf("add contact: %v", err)
		}
		fmt.Println(contact.ID)
	case "lend", "owe":
		requireArgs(4, os.Args[1]+" CONTACT_ID AMOUNT")
		amount, err := money.ParseMinor(os.Args[3])
		if err != nil {
			log.Fatalf("parse amount: %v", err)
		}
		direction := event.DirectionLent
		if os.Args[1] == "owe" {
			direction = event.DirectionOwed
		}
		transaction, err := store.CreateTransaction(ctx, event.TransactionSnapshot{
			ContactID:       os.Args[2],
			Direction:       direction,
			Amount:          amount,
			Currency:        "USD",
			TransactionDate: time.Now().UTC(),
		})
		if err != nil {
			log.Fatalf("add transaction: %v", err)
		}
		fmt.Println(transaction.ID)
	case "delete-contact":
		requireArgs(3, "delete-contact ID [ID...]")
		deleted, err := store.BulkDeleteContacts(ctx, os.Args[2:])
		if err != nil {
			log.Fatalf("delete contacts: %v", err)
		}
		fmt.Printf("deleted %d\n", deleted)
	case "undo":
		requireArgs(3, "undo EVENT_ID")
		if err := store.Undo(ctx, os.Args[2]); err != nil {
			log.Fatalf("undo: %v", err)
		}
	case "total":
		total, err := store.TotalDebtAt(ctx, time.Now().UTC())
		if err != nil {
			log.Fatalf("total: %v", err)
		}
		fmt.Println(money.FormatMinor(total))
	case "sync":
		engine := newEngine(ctx, cfg, store)
		summary, err := engine.ManualSync(ctx)
		if err != nil {
			log.Fatalf("sync: %v", err)
		}
		fmt.Printf("pushed %d, pulled %d\n", summary.Pushed, summary.Pulled)
	case "watch":
		engine := newEngine(ctx, cfg, store)
		deviceID, err := store.DeviceID(ctx)
		if err != nil {
			log.Fatalf("device id: %v", err)
		}
		bridge, err := realtime.NewBridge(store, engine, cfg.ServerURL, os.Getenv("TALLY_TOKEN"), deviceID)
		if err != nil {
			log.Fatalf("bridge: %v", err)
		}
		runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		go func() {
			changes := store.Subscribe()
			for range changes {
				log.Printf("projection updated: %d contacts", len(store.Contacts()))
			}
		}()
		bridge.Run(runCtx)
	default:
		usage()
	}
}

func newEngine(ctx context.Context, cfg config.Config, store *localstore.Store) *sync.Engine {
	token := os.Getenv("TALLY_TOKEN")
	if token == "" {
		log.Fatal("TALLY_TOKEN is required for sync")
	}
	deviceID, err := store.DeviceID(ctx)
	if err != nil {
		log.Fatalf("device id: %v", err)
	}
	return sync.NewEngine(store, sync.NewClient(cfg.ServerURL, token, deviceID))
}

func requireArgs(n int, form string) {
	if len(os.Args) < n {
		log.Fatalf("usage: tally %s", form)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: tally <command>

  contacts                  list contacts with balances
  transactions              list transactions
  add-contact NAME          create a contact
  lend CONTACT_ID AMOUNT    record money lent
  owe CONTACT_ID AMOUNT     record money owed
  delete-contact ID [ID...] delete contacts
  undo EVENT_ID             undo a prior event
  total                     total outstanding balance
  sync                      push/pull against the server
  watch                     follow realtime updates`)
	os.Exit(2)
}
