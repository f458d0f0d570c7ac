package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/app"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/config"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/push"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/reminder"
)

// Context is passed to every command. The app is opened on first use so
// that commands without storage do not need a database.
type Context struct {
	cfg    *config.Config
	logger *zap.Logger
	out    io.Writer
	now    func() time.Time

	app *app.App
}

func newContext(cfg *config.Config, logger *zap.Logger, out io.Writer) *Context {
	return &Context{cfg: cfg, logger: logger, out: out, now: time.Now}
}

func (c *Context) App() (*app.App, error) {
	if c.app == nil {
		a, err := app.New(context.Background(), c.cfg, c.logger)
		if err != nil {
			return nil, err
		}
		c.app = a
	}
	return c.app, nil
}

func (c *Context) Close() {
	if c.app != nil {
		c.app.Close()
	}
}

type SeedCmd struct {
	Date string `help:"Local date (YYYY-MM-DD). Defaults to each user's today."`
	User string `help:"Seed only this user."`
}

func (cmd *SeedCmd) Run(ctx *Context) error {
	a, err := ctx.App()
	if err != nil {
		return err
	}

	if cmd.User != "" {
		n, err := a.Engine.Seeder().SeedUser(context.Background(), cmd.User, cmd.Date, ctx.now())
		if err != nil {
			return err
		}
		fmt.Fprintf(ctx.out, "Seeded %d slots for %s\n", n, cmd.User)
		return nil
	}

	users, created, err := a.Engine.SeedAll(context.Background(), cmd.Date, ctx.now())
	fmt.Fprintf(ctx.out, "Seeded %d slots for %d users\n", created, users)
	return err
}

type SweepCmd struct{}

func (cmd *SweepCmd) Run(ctx *Context) error {
	a, err := ctx.App()
	if err != nil {
		return err
	}

	stats, err := a.Engine.Tick(context.Background(), ctx.now())
	if err != nil {
		return err
	}
	if stats.Skipped {
		fmt.Fprintln(ctx.out, "Sweep skipped: another replica holds the lease")
		return nil
	}
	fmt.Fprintf(ctx.out, "users=%d seeded=%d sent=%d failed=%d missed=%d errors=%d\n",
		stats.Users, stats.Seeded, stats.Sent, stats.Failed, stats.Missed, stats.Errors)
	return nil
}

type StatusCmd struct {
	User string `arg:"" help:"User ID."`
	Date string `help:"Local date (YYYY-MM-DD). Defaults to the user's today."`
}

func (cmd *StatusCmd) Run(ctx *Context) error {
	a, err := ctx.App()
	if err != nil {
		return err
	}
	bg := context.Background()

	date := cmd.Date
	if date == "" {
		prefs, err := a.Preferences.Get(bg, cmd.User)
		if err != nil {
			return err
		}
		loc, err := prefs.Location()
		if err != nil {
			return err
		}
		date = reminder.LocalDate(ctx.now(), loc)
	}

	slots, err := a.Store.GetSlots(bg, cmd.User, date)
	if err != nil {
		return err
	}
	if len(slots) == 0 {
		fmt.Fprintf(ctx.out, "No slots for %s on %s\n", cmd.User, date)
		return nil
	}

	w := tabwriter.NewWriter(ctx.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tLABEL\tKIND\tSTATUS\tACTION")
	for _, s := range slots {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ScheduledTime, s.Label, s.Kind, s.Status, s.ResolutionAction)
	}
	return w.Flush()
}

type ResolveCmd struct {
	User   string `arg:"" help:"User ID."`
	Date   string `arg:"" help:"Local date (YYYY-MM-DD)."`
	Label  string `arg:"" help:"Slot label."`
	Action string `arg:"" help:"Quick action, e.g. ml_250 or snooze_15."`
}

func (cmd *ResolveCmd) Run(ctx *Context) error {
	a, err := ctx.App()
	if err != nil {
		return err
	}

	key := reminder.Key{UserID: cmd.User, Date: cmd.Date, Label: cmd.Label}
	res, err := a.Resolver.Resolve(context.Background(), key, reminder.Action(cmd.Action), ctx.now())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(ctx.out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

type VapidKeysCmd struct{}

func (cmd *VapidKeysCmd) Run(ctx *Context) error {
	public, private, err := push.GenerateVAPIDKeys()
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.out, "VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", public, private)
	return nil
}
