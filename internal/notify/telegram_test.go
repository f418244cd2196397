package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"polybot/internal/config"
	"polybot/pkg/types"
)

type fakeCommander struct {
	paused, resumed string
	pauseCalls      int
	killed          bool
	killErr         error
}

func (c *fakeCommander) StatusText(context.Context) string { return "running" }
func (c *fakeCommander) PnLText(context.Context) string    { return "+$12.34" }

func (c *fakeCommander) PauseStrategy(name string) error {
	c.paused = name
	c.pauseCalls++
	return nil
}

func (c *fakeCommander) ResumeStrategy(name string) error {
	c.resumed = name
	return nil
}

func (c *fakeCommander) ActivateKillSwitch(context.Context) error {
	if c.killErr != nil {
		return c.killErr
	}
	c.killed = true
	return nil
}

func disabledNotifier(t *testing.T) *Notifier {
	t.Helper()
	n, err := New(config.TelegramConfig{}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestDisabledNotifierIsSilentNoOp(t *testing.T) {
	t.Parallel()

	n := disabledNotifier(t)
	if n.Enabled() {
		t.Fatal("notifier without token must be disabled")
	}
	// None of these may panic or block.
	n.Send("hello")
	n.AlertSystem("t", "m", "critical")
	n.PositionOpened(types.Position{})
	n.PositionClosed(types.Position{}, 1.0, "stop_loss")
	n.KillSwitch(true, "test")
}

func TestHandleCommandStatusAndPnL(t *testing.T) {
	t.Parallel()

	n := disabledNotifier(t)
	c := &fakeCommander{}
	ctx := context.Background()

	if got := n.handleCommand(ctx, c, "status"); got != "running" {
		t.Errorf("status = %q", got)
	}
	if got := n.handleCommand(ctx, c, "/pnl"); got != "+$12.34" {
		t.Errorf("pnl = %q", got)
	}
}

func TestHandleCommandPauseResume(t *testing.T) {
	t.Parallel()

	n := disabledNotifier(t)
	c := &fakeCommander{}
	ctx := context.Background()

	n.handleCommand(ctx, c, "pause mirror")
	if c.paused != "mirror" {
		t.Errorf("paused = %q", c.paused)
	}
	n.handleCommand(ctx, c, "pause")
	if c.paused != "" || c.pauseCalls != 2 {
		t.Errorf("global pause: %q, %d calls", c.paused, c.pauseCalls)
	}
	n.handleCommand(ctx, c, "resume arb")
	if c.resumed != "arb" {
		t.Errorf("resumed = %q", c.resumed)
	}
}

func TestKillRequiresConfirmation(t *testing.T) {
	t.Parallel()

	n := disabledNotifier(t)
	c := &fakeCommander{}
	ctx := context.Background()

	reply := n.handleCommand(ctx, c, "kill")
	if c.killed {
		t.Fatal("kill fired without confirmation")
	}
	if !strings.Contains(reply, "confirm") {
		t.Errorf("reply should ask for confirmation: %q", reply)
	}

	n.handleCommand(ctx, c, "kill confirm")
	if !c.killed {
		t.Error("confirmed kill did not fire")
	}
}

func TestKillFailureIsReported(t *testing.T) {
	t.Parallel()

	n := disabledNotifier(t)
	c := &fakeCommander{killErr: fmt.Errorf("store unavailable")}
	ctx := context.Background()

	reply := n.handleCommand(ctx, c, "kill confirm")
	if !strings.Contains(reply, "store unavailable") {
		t.Errorf("reply = %q", reply)
	}
}

func TestUnknownCommandShowsHelp(t *testing.T) {
	t.Parallel()

	n := disabledNotifier(t)
	c := &fakeCommander{}

	if got := n.handleCommand(context.Background(), c, "frobnicate"); got != helpText {
		t.Errorf("unknown command reply = %q", got)
	}
	if got := n.handleCommand(context.Background(), c, "help"); got != helpText {
		t.Errorf("help reply = %q", got)
	}
}
