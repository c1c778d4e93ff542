package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/alejandrodnm/execgate/internal/application/killswitch"
	"github.com/alejandrodnm/execgate/internal/domain"
)

func runKillSwitch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: execctl killswitch on|off|status [flags]")
	}
	action, args := args[0], args[1:]

	var g globalFlags
	fs := flag.NewFlagSet("killswitch "+action, flag.ContinueOnError)
	g.register(fs)
	reason := fs.String("reason", "", "why the switch is being changed")
	token := fs.String("token", os.Getenv("EXECGATE_ADMIN_TOKEN"), "admin token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := g.load()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	switch action {
	case "status":
		st, err := a.ks.Refresh(ctx)
		if err != nil {
			return err
		}
		printKillSwitch(st)
		return nil
	case "on", "off":
	default:
		return fmt.Errorf("unknown killswitch action %q (on|off|status)", action)
	}

	if err := requireAdmin(cfg, *token); err != nil {
		return err
	}

	st, err := killswitch.Toggle(ctx, a.ks, a.events, action == "on", *reason, "execctl")
	if errors.Is(err, killswitch.ErrUnchanged) {
		fmt.Printf("kill-switch already %s\n", action)
		printKillSwitch(st)
		return nil
	}
	if err != nil {
		return err
	}
	printKillSwitch(st)
	return nil
}

func printKillSwitch(st domain.KillSwitchState) {
	state := "OFF"
	if st.Enabled {
		state = "ON"
	}
	fmt.Printf("kill-switch: %s | reason=%s | updatedAt=%s\n",
		state, st.ReasonOr("-"), st.UpdatedAt.Format(time.RFC3339))
}
