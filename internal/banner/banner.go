// Package banner prints AirVoice's startup banner: which modems were
// configured and are about to be watched for.
package banner

import (
	"fmt"
	"strings"
)

const logo = `
======================================================================
    _    _     __     __    _
   / \  (_)_ __\ \   / /__ (_) ___ ___
  / _ \ | | '__\ \ / / _ \| |/ __/ _ \
 / ___ \| | |   \ V / (_) | | (_|  __/
/_/   \_\_|_|    \_/ \___/|_|\___\___|
----------------------------------------------------------------------`

const footer = `======================================================================`

// ModemLine is one modem's configuration, printed at startup.
type ModemLine struct {
	EquipmentID string
	SipHost     string
	LocalIP     string
}

// Print displays the startup banner and the list of configured modems.
func Print(modems []ModemLine) {
	fmt.Println(logo)
	fmt.Println("AirVoice - cellular-to-SIP bridge")

	if len(modems) == 0 {
		fmt.Println("  (no modem sections found in AirVoice.cfg)")
	}

	maxLen := 0
	for _, m := range modems {
		if len(m.EquipmentID) > maxLen {
			maxLen = len(m.EquipmentID)
		}
	}
	for _, m := range modems {
		padding := strings.Repeat(" ", maxLen-len(m.EquipmentID))
		fmt.Printf("  %s%s : sip_host=%s local_ip=%s\n", m.EquipmentID, padding, m.SipHost, m.LocalIP)
	}

	fmt.Println()
	fmt.Println("Watching org.freedesktop.ModemManager1 on the system bus.")
	fmt.Println(footer)
	fmt.Println()
}
