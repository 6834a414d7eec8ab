package cli

import "flag"

func (c *Config) registerFlagsOsSpecific(fs *flag.FlagSet) {
	if c.Flags.isSet(FlagBLE) {
		fs.StringVar(&c.Adapter, "adapter", "", "ID of the Bluetooth `adapter` to use. Defaults to $ACCESSORY_ADAPTER, then hci0.")
	}
}
