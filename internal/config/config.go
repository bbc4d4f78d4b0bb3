// Package config loads AirVoice.cfg, a flat hierarchical key/value file
// whose top-level sections are keyed by MM_<equipment_id>. Absent section
// means no registration for that modem; an absent required key means
// registration is refused for that modem.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// ModemConfig is one MM_<equipment_id> section, fully populated.
type ModemConfig struct {
	EquipmentID string
	Username    string
	Password    string
	SipHost     string
	SipID       string
	AudioPort   string
	LocalIP     string
}

const sectionPrefix = "MM_"

var requiredKeys = []string{"username", "password", "sip_host", "sip_id", "audio_port", "local_ip"}

// Load reads AirVoice.cfg from the working directory and returns one
// ModemConfig per well-formed MM_<equipment_id> section. A section missing
// any required key is dropped with a logged warning, rather than aborting
// the whole load — one misconfigured modem must not prevent the others from
// registering. The returned error covers only failure to read the file.
func Load(path string) (map[string]ModemConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	modems := make(map[string]ModemConfig)
	for _, key := range v.AllKeys() {
		section, ok := sectionOf(key)
		if !ok {
			continue
		}
		if _, seen := modems[section]; seen {
			continue
		}
		equipmentID := strings.TrimPrefix(section, sectionPrefix)
		sub := v.Sub(section)
		if sub == nil {
			continue
		}

		mc := ModemConfig{
			EquipmentID: equipmentID,
			Username:    sub.GetString("username"),
			Password:    sub.GetString("password"),
			SipHost:     sub.GetString("sip_host"),
			SipID:       sub.GetString("sip_id"),
			AudioPort:   sub.GetString("audio_port"),
			LocalIP:     sub.GetString("local_ip"),
		}
		if err := mc.validate(); err != nil {
			slog.Warn("skipping modem section", "equipment_id", equipmentID, "error", err)
			continue
		}
		modems[equipmentID] = mc
	}
	return modems, nil
}

// sectionOf extracts the "MM_<id>" section name from a viper dotted key
// such as "mm_353412345.username", matching case-insensitively since viper
// lower-cases ini section names.
func sectionOf(dottedKey string) (string, bool) {
	idx := strings.IndexByte(dottedKey, '.')
	if idx < 0 {
		return "", false
	}
	section := dottedKey[:idx]
	if !strings.HasPrefix(strings.ToLower(section), strings.ToLower(sectionPrefix)) {
		return "", false
	}
	return sectionPrefix + strings.TrimPrefix(section, strings.ToLower(sectionPrefix)), true
}

func (mc ModemConfig) validate() error {
	var missing []string
	if mc.Username == "" {
		missing = append(missing, "username")
	}
	if mc.Password == "" {
		missing = append(missing, "password")
	}
	if mc.SipHost == "" {
		missing = append(missing, "sip_host")
	}
	if mc.SipID == "" {
		missing = append(missing, "sip_id")
	}
	if mc.AudioPort == "" {
		missing = append(missing, "audio_port")
	}
	if mc.LocalIP == "" {
		missing = append(missing, "local_ip")
	}
	if len(missing) > 0 {
		return fmt.Errorf("section MM_%s missing required keys: %s", mc.EquipmentID, strings.Join(missing, ", "))
	}
	return nil
}
