package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jbcrane13/CrabyFace-sub003/internal/engine"
	"github.com/jbcrane13/CrabyFace-sub003/internal/resolve"
	"github.com/jbcrane13/CrabyFace-sub003/internal/trigger"
)

// runDaemon starts the background trigger and blocks until SIGINT/SIGTERM.
func (a *App) runDaemon(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr := trigger.New(a.engine, a.adapter, a.options(), a.log)
	if err := tr.Start(ctx, a.config.Schedule); err != nil {
		return err
	}
	a.log.Info(ctx, "sync daemon started", "schedule", a.config.Schedule,
		"db", a.config.DatabaseDSN)

	// Catch up on anything left over from the previous run.
	tr.Notify("startup")

	<-ctx.Done()
	a.log.Info(context.Background(), "shutting down")
	tr.Stop()
	return nil
}

// runOnce runs a single foreground cycle and prints the result.
func (a *App) runOnce(ctx context.Context) error {
	res, err := a.engine.Sync(ctx, a.options())
	if res != nil {
		fmt.Fprintf(a.out, "uploaded: %d\ndownloaded: %d\nconflicts: %d\nerrors: %d\n",
			res.Uploaded, res.Downloaded, res.Conflicts, len(res.Errors))
		for _, e := range res.Errors {
			fmt.Fprintf(a.out, "  %v\n", e)
		}
	}
	return err
}

func (a *App) listPending(ctx context.Context) error {
	pending, err := a.store.FetchPending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintln(a.out, "nothing pending")
		return nil
	}
	for _, en := range pending {
		m := en.Meta()
		fmt.Fprintf(a.out, "%s  %s  %s  modified %s  deleted=%v\n",
			m.ID, en.RecordType(), m.Status, m.LastModified.Format("2006-01-02 15:04:05"), m.Deleted)
	}
	return nil
}

func (a *App) listConflicts(ctx context.Context) error {
	conflicts, err := a.store.ListConflicts(ctx)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		fmt.Fprintln(a.out, "no conflicts")
		return nil
	}
	for _, c := range conflicts {
		fmt.Fprintf(a.out, "%s  %s  entity %s  detected %s\n",
			c.ID, c.RecordType, c.EntityID, c.DetectedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(a.out, "  local:  %v\n", c.Local.Fields)
		fmt.Fprintf(a.out, "  remote: %v\n", c.Remote.Fields)
	}
	return nil
}

// resolveConflict handles `resolve <conflict-id> local|remote`.
func (a *App) resolveConflict(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: resolve <conflict-id> local|remote")
	}
	id := args[0]

	var kind resolve.Kind
	switch args[1] {
	case "local":
		kind = resolve.UseLocal
	case "remote":
		kind = resolve.UseRemote
	default:
		return fmt.Errorf("unknown resolution %q (expected local or remote)", args[1])
	}

	if err := a.engine.ResolveConflict(ctx, id, engine.Resolution{Kind: kind}); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "conflict %s resolved (%s)\n", id, args[1])
	return nil
}
