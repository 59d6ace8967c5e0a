//go:build !linux

package main

import (
	"log"
	"os"

	"github.com/danjulio/firecam/wifi"
)

func (p platform) Reboot() {
	log.Printf("firecam: reboot requested, exiting")
	os.Exit(1)
}

func cardProbe(root string) func() error {
	return func() error {
		_, err := os.Stat(root)
		return err
	}
}

func restartWifi(iface string, cfg wifi.Config) error {
	return nil
}
