package driver

import (
	"fmt"
	"os/exec"
	"time"
)

// ensureXvfb launches the virtual display for headful mode. Caller holds d.mu.
func (d *Driver) ensureXvfb() error {
	if d.xvfb != nil {
		return nil // already running
	}

	display := d.cfg.XvfbDisplay
	cmd := exec.Command("Xvfb", display, "-screen", "0", "1920x1080x24", "-ac")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start xvfb: %w", err)
	}
	d.xvfb = cmd

	// Give Xvfb a moment to initialise.
	time.Sleep(500 * time.Millisecond)

	d.cfg.Logger.Info("driver: xvfb started", "display", display, "pid", cmd.Process.Pid)
	return nil
}

// stopXvfb kills the Xvfb process if running. Caller holds d.mu.
func (d *Driver) stopXvfb() {
	if d.xvfb == nil {
		return
	}
	if d.xvfb.Process != nil {
		d.xvfb.Process.Kill()
		d.xvfb.Wait()
	}
	d.cfg.Logger.Info("driver: xvfb stopped")
	d.xvfb = nil
}
