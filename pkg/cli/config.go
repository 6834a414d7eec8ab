/*
Package cli facilitates building command-line applications that talk to accessories. It defines a
[Config] type that can be used to register common command-line flags (using the Golang flag
package) and environment variable equivalents.

The package uses [keyring]'s platform-agnostic interface for storing the vehicle private key in an
OS-dependent credential store.

# Examples

	config, err := NewConfig(FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags() // Adds command-line flags for the adapter, device, keys, etc.
	flag.Parse()
	config.ReadFromEnvironment()      // Fills in missing fields using environment variables
	config.LoadCredentials()          // Prompt for Keyring password if needed

	central, err := config.Central()
	if err != nil {
		panic(err)
	}
	defer central.Close()
	defer config.SaveRegistry()

Use a [Flag] mask to control what [Config] fields are populated. Note that config.Flags must be set
before calling [flag.Parse] or [Config.ReadFromEnvironment]:

	config, err = NewConfig(FlagBLE | FlagDevice)                    // Non-vehicle accessories.
	config, err = NewConfig(FlagBLE | FlagVehicle | FlagPrivateKey) // Vehicle commands.
*/
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/99designs/keyring"

	"github.com/streamlab/accessorylink/internal/log"
	"github.com/streamlab/accessorylink/pkg/cache"
	"github.com/streamlab/accessorylink/pkg/device/tesla"
	"github.com/streamlab/accessorylink/pkg/protocol"
	"github.com/streamlab/accessorylink/pkg/transport/goble"
)

// Environment variable names used are used by [Config.ReadFromEnvironment] to set common parameters.
const (
	EnvDevice       = "ACCESSORY_DEVICE"
	EnvAdapter      = "ACCESSORY_ADAPTER"
	EnvRegistryFile = "ACCESSORY_REGISTRY_FILE"
	EnvVIN          = "ACCESSORY_VIN"
	EnvKeyName      = "ACCESSORY_KEY_NAME"
	EnvKeyFile      = "ACCESSORY_KEY_FILE"
	EnvKeyringType  = "ACCESSORY_KEYRING_TYPE"
	EnvKeyringPass  = "ACCESSORY_KEYRING_PASSWORD"
	EnvKeyringPath  = "ACCESSORY_KEYRING_PATH"
	EnvKeyringDebug = "ACCESSORY_KEYRING_DEBUG"
)

// Flag controls what options should be scanned from the command line and/or environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagDevice     Flag = 1  // Enable device option.
	FlagVehicle    Flag = 2  // Enable VIN option.
	FlagPrivateKey Flag = 4  // Enable Private Key options. Required for vehicle commands.
	FlagBLE        Flag = 8  // Enable BLE adapter option.
	FlagRegistry   Flag = 16 // Enable device registry option.
	FlagAll        Flag = FlagDevice | FlagVehicle | FlagPrivateKey | FlagBLE | FlagRegistry
)

var (
	ErrNoKeySpecified    = errors.New("private key location not provided")
	ErrNoDeviceSpecified = errors.New("device not provided")
	ErrKeyNotFound       = keyring.ErrKeyNotFound
)

// Config fields determine how a client reaches its accessories.
type Config struct {
	Flags            Flag   // Controls which set of environment variables/CLI flags to use.
	Device           string // Device identifier or registry key
	Adapter          string // Host adapter, such as hci0
	RegistryFilename string
	VIN              string
	KeyringKeyName   string // Username for private key in system keyring
	KeyFilename      string
	Backend          keyring.Config
	BackendType      keyringBackend
	Debug            bool // Enable keyring debug messages

	password *string
	registry *cache.Registry
	skey     *protocol.PrivateKey
}

func NewConfig(flags Flag) (*Config, error) {
	c := &Config{Flags: flags}
	c.Backend = newKeyringConfig(c.keyringPassword)
	c.BackendType = keyringBackend{&c.Backend}
	return c, nil
}

func (c *Config) RegisterCommandLineFlags() {
	c.RegisterFlags(flag.CommandLine)
}

// RegisterFlags adds the options enabled by c.Flags to fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	if c.Flags.isSet(FlagDevice) {
		fs.StringVar(&c.Device, "device", "", "Device `identifier` or registry key. Defaults to $ACCESSORY_DEVICE.")
	}
	c.registerFlagsOsSpecific(fs)
	if c.Flags.isSet(FlagRegistry) {
		fs.StringVar(&c.RegistryFilename, "registry", "", "Remember discovered devices in `file`. Defaults to $ACCESSORY_REGISTRY_FILE.")
	}
	if c.Flags.isSet(FlagVehicle) {
		fs.StringVar(&c.VIN, "vin", "", "Vehicle Identification Number. Defaults to $ACCESSORY_VIN.")
	}
	if c.Flags.isSet(FlagPrivateKey) {
		if !c.Flags.isSet(FlagVehicle) {
			log.Debug("FlagPrivateKey is set but FlagVehicle is not. A VIN is required to send vehicle commands.")
		}
		fs.StringVar(&c.KeyringKeyName, "key-name", "", "System keyring `name` for private key. Defaults to $ACCESSORY_KEY_NAME.")
		fs.StringVar(&c.KeyFilename, "key-file", "", "A `file` containing private key. Defaults to $ACCESSORY_KEY_FILE.")

		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		fs.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $ACCESSORY_KEYRING_TYPE.")
		fs.StringVar(&c.Backend.FileDir, "keyring-file-dir", keyringDirectory, "keyring `directory` for file-backed keyring types")
		fs.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
	}
}

// LoadCredentials attempts to open a keyring, prompting for a password if needed. Call this
// method before connecting to prevent interactive prompts from counting against timeouts.
func (c *Config) LoadCredentials() error {
	if c.Flags.isSet(FlagPrivateKey) {
		if _, err := c.PrivateKey(); err != nil && err != ErrNoKeySpecified {
			return err
		}
	}
	return nil
}

// ReadFromEnvironment populates c using environment variables. Values that are already populated
// are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() (or other initialization method) will prevent the
// environment from overriding explicit command-line parameters and avoid potentially misleading
// debug log messages.
func (c *Config) ReadFromEnvironment() {
	if c.Flags.isSet(FlagDevice) && c.Device == "" {
		c.Device = os.Getenv(EnvDevice)
		log.Debug("Set device to '%s'", c.Device)
	}
	if c.Flags.isSet(FlagBLE) && c.Adapter == "" {
		c.Adapter = os.Getenv(EnvAdapter)
		log.Debug("Set adapter to '%s'", c.Adapter)
	}
	if c.Flags.isSet(FlagRegistry) && c.RegistryFilename == "" {
		c.RegistryFilename = os.Getenv(EnvRegistryFile)
		log.Debug("Set registry file to '%s'", c.RegistryFilename)
	}
	if c.Flags.isSet(FlagVehicle) && c.VIN == "" {
		c.VIN = os.Getenv(EnvVIN)
		log.Debug("Set VIN to '%s'", c.VIN)
	}
	if c.Flags.isSet(FlagPrivateKey) {
		if c.KeyringKeyName == "" && c.KeyFilename == "" {
			c.KeyringKeyName = os.Getenv(EnvKeyName)
			log.Debug("Set key name to '%s'", c.KeyringKeyName)

			c.KeyFilename = os.Getenv(EnvKeyFile)
			log.Debug("Set key file to '%s'", c.KeyFilename)
		}
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.password == nil {
			password := os.Getenv(EnvKeyringPass)
			c.password = &password
			if len(password) > 0 {
				log.Debug("Set keyring File Password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		if c.Backend.FileDir == "" {
			c.Backend.FileDir = os.Getenv(EnvKeyringPath)
			log.Debug("Set keyring File Path to '%s'", c.Backend.FileDir)
		}
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvKeyringDebug)
			log.Debug("Set keyring Debug Logging to '%v'", c.Debug)
		}
	}
}

// PrivateKey loads a private key from the location specified in c.
//
// The private key is cached after it is first loaded, and subsequent calls will always return the
// same private key.
func (c *Config) PrivateKey() (skey *protocol.PrivateKey, err error) {
	if c.skey != nil {
		return c.skey, nil
	}
	if !c.Flags.isSet(FlagPrivateKey) {
		log.Debug("Skipping private key loading because FlagPrivateKey is not set")
		return nil, ErrNoKeySpecified
	}
	if c.KeyFilename == "" && c.KeyringKeyName == "" {
		return nil, ErrNoKeySpecified
	}
	if c.KeyFilename != "" {
		skey, err = protocol.LoadPrivateKey(c.KeyFilename)
	}
	if skey == nil && c.KeyringKeyName != "" {
		skey, err = c.LoadKeyFromKeyring()
	}
	if err != nil {
		return nil, err
	}
	c.skey = skey
	return skey, nil
}

// SavePrivateKey writes skey to the system keyring or file, depending on what options are
// configured. The method prefers the keyring if both options are available.
func (c *Config) SavePrivateKey(skey *protocol.PrivateKey) error {
	if c.KeyringKeyName != "" {
		return c.saveKeyToKeyring(skey)
	}
	if c.KeyFilename != "" {
		return protocol.SavePrivateKey(skey, c.KeyFilename)
	}
	return ErrNoKeySpecified
}

// VehicleConfig returns the settings needed by tesla.New.
func (c *Config) VehicleConfig() (tesla.Config, error) {
	if c.VIN == "" {
		return tesla.Config{}, tesla.ErrMissingVIN
	}
	skey, err := c.PrivateKey()
	if err != nil {
		return tesla.Config{}, err
	}
	log.Debug("Client public key: %02x", skey.PublicBytes())
	return tesla.Config{VIN: c.VIN, Key: skey}, nil
}

// Registry returns the device registry, loading it from c.RegistryFilename on first use. Without
// a registry file the registry only lives as long as the process.
func (c *Config) Registry() (*cache.Registry, error) {
	if c.registry != nil {
		return c.registry, nil
	}
	if c.RegistryFilename == "" {
		c.registry = cache.New(0)
		return c.registry, nil
	}
	log.Debug("Loading registry from %s...", c.RegistryFilename)
	registry, err := cache.ImportFromFile(c.RegistryFilename)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load device registry: %s", err)
		}
		// Create a new registry if one couldn't be loaded from the file
		registry = cache.New(0)
	}
	c.registry = registry
	return registry, nil
}

// SaveRegistry writes the registry back to c.RegistryFilename.
//
// If c.RegistryFilename is not set or the registry was never loaded, then this method does
// nothing.
func (c *Config) SaveRegistry() {
	if c.RegistryFilename != "" && c.registry != nil {
		if err := c.registry.ExportToFile(c.RegistryFilename); err != nil {
			log.Error("Error updating registry: %s", err)
		}
	}
}

// DeviceID returns the identifier of the configured device. c.Device may hold a registry key, in
// which case the remembered identifier is returned.
func (c *Config) DeviceID() (string, error) {
	if c.Device == "" {
		return "", ErrNoDeviceSpecified
	}
	registry, err := c.Registry()
	if err != nil {
		return "", err
	}
	if entry, err := registry.Lookup(c.Device); err == nil {
		return entry.ID, nil
	}
	return c.Device, nil
}

// Central opens the configured Bluetooth adapter.
func (c *Config) Central() (*goble.Central, error) {
	return goble.NewCentral(c.Adapter)
}
