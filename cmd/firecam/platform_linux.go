//go:build linux

package main

import (
	"log"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/danjulio/firecam/wifi"
)

// Reboot restarts the system; the persistent store is untouched so a
// set auto-resume flag survives into the next boot.
func (p platform) Reboot() {
	log.Printf("firecam: rebooting")
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		log.Printf("firecam: reboot: %v", err)
	}
}

// cardProbe is the cheapest call that reliably errors on a removed
// card: statfs against the mount point.
func cardProbe(root string) func() error {
	return func() error {
		var st unix.Statfs_t
		return unix.Statfs(root, &st)
	}
}

// restartWifi kicks the network stack into the new configuration.
func restartWifi(iface string, cfg wifi.Config) error {
	if !cfg.Enabled() {
		return exec.Command("ip", "link", "set", iface, "down").Run()
	}
	if err := exec.Command("ip", "link", "set", iface, "up").Run(); err != nil {
		return err
	}
	if cfg.ClientMode() {
		return exec.Command("wpa_cli", "-i", iface, "reconfigure").Run()
	}
	return exec.Command("systemctl", "restart", "hostapd").Run()
}
