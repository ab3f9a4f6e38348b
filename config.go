package digitizer

import (
	"github.com/spf13/viper"
)

// StoredBlockConfig is the persisted shape of a BlockConfig plus its
// channel/port/trigger settings, matching the key layout dastard's
// rpc_server.go uses to restore FullTriggerState/ClientUpdate state
// across restarts (viper.UnmarshalKey("simpulse", &spc) and friends).
type StoredBlockConfig struct {
	Config   BlockConfig      `mapstructure:"config"`
	Channels []ChannelSetting `mapstructure:"channels"`
	Ports    []PortSetting    `mapstructure:"ports"`
	Trigger  TriggerSetting   `mapstructure:"trigger"`
}

// LoadBlockConfigFromViper unmarshals a StoredBlockConfig from the given
// key of v, the same "unmarshal a key into a typed struct" pattern
// dastard already uses in data_source.go/rpc_server.go. This is an
// internal convenience for restoring a prior configuration; it is not a
// CLI or config-file-format decision (out of scope per spec.md §1).
func LoadBlockConfigFromViper(v *viper.Viper, key string) (StoredBlockConfig, error) {
	var stored StoredBlockConfig
	if err := v.UnmarshalKey(key, &stored); err != nil {
		return StoredBlockConfig{}, newError(ErrInvalidConfig, "failed to unmarshal block config: "+err.Error())
	}
	return stored, nil
}
