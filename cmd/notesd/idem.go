package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quillnotes/notes-api/idempotency"
	"github.com/spf13/cobra"
)

func newIdemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "idem",
		Short: "Inspect and purge idempotency records",
	}
	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Print the cached result and lock state for a key",
		RunE:  runInspect,
	}
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete the cached result and lock for a key",
		RunE:  runPurge,
	}
	for _, c := range []*cobra.Command{inspect, purge} {
		c.Flags().String("tenant", "", "tenant id (default \"default\")")
		c.Flags().String("user", "", "user id (default \"anon\")")
		c.Flags().String("method", "POST", "HTTP method of the operation")
		c.Flags().String("path", "", "request path of the operation, e.g. /v1/notes")
		c.Flags().String("key", "", "client supplied Idempotency-Key")
		_ = c.MarkFlagRequired("path")
		_ = c.MarkFlagRequired("key")
	}
	cmd.AddCommand(inspect, purge)
	return cmd
}

func keyFromFlags(cmd *cobra.Command) (idempotency.Key, error) {
	var k idempotency.Key
	k.Tenant, _ = cmd.Flags().GetString("tenant")
	k.User, _ = cmd.Flags().GetString("user")
	k.Method, _ = cmd.Flags().GetString("method")
	k.Path, _ = cmd.Flags().GetString("path")
	k.Client, _ = cmd.Flags().GetString("key")
	if err := idempotency.ValidateKey(k.Client); err != nil {
		return k, err
	}
	return k, nil
}

type inspectOutput struct {
	CacheKey string       `json:"cache_key"`
	Entry    *entryOutput `json:"entry"`
	Lock     *lockOutput  `json:"lock"`
}

type entryOutput struct {
	Fingerprint string              `json:"fingerprint"`
	Status      int                 `json:"status"`
	Header      map[string][]string `json:"header,omitempty"`
	Body        string              `json:"body"`
	StoredAt    time.Time           `json:"stored_at"`
	ExpiresAt   time.Time           `json:"expires_at"`
}

type lockOutput struct {
	AcquiredAt time.Time `json:"acquired_at"`
	Owner      string    `json:"owner"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	key, err := keyFromFlags(cmd)
	if err != nil {
		return err
	}
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	store, _, closeStore, err := openStore(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	entry, lock, err := newCoordinator(cfg, store, log).Inspect(cmd.Context(), key)
	if err != nil {
		return err
	}
	out := inspectOutput{CacheKey: key.CacheKey()}
	if entry != nil {
		out.Entry = &entryOutput{
			Fingerprint: entry.Fingerprint,
			Status:      entry.Status,
			Header:      entry.Header,
			Body:        string(entry.Body),
			StoredAt:    entry.StoredAt,
			ExpiresAt:   entry.ExpiresAt,
		}
	}
	if lock != nil {
		out.Lock = &lockOutput{AcquiredAt: lock.AcquiredAt, Owner: lock.Owner}
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runPurge(cmd *cobra.Command, args []string) error {
	key, err := keyFromFlags(cmd)
	if err != nil {
		return err
	}
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	store, _, closeStore, err := openStore(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	entry, lock, err := newCoordinator(cfg, store, log).Purge(cmd.Context(), key)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "entry deleted: %t\nlock deleted: %t\n", entry, lock)
	return nil
}
