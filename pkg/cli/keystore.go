package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/99designs/keyring"
	"golang.org/x/term"

	"github.com/streamlab/accessorylink/pkg/protocol"
)

const (
	keyringServiceName = "com.streamlab.accessorylink"
	keyringItemPrefix  = "vehicleKey."
	keyringDirectory   = "~/.accessorylink_keys"
)

var errNoTerminal = errors.New("no terminal available to prompt for the keyring password")

func newKeyringConfig(password keyring.PromptFunc) keyring.Config {
	return keyring.Config{
		ServiceName:              keyringServiceName,
		KeychainTrustApplication: true,
		KeyCtlScope:              "user",
		KeychainPasswordFunc:     password,
		FilePasswordFunc:         password,
	}
}

// keyringBackend is a flag.Value that pins the keyring to one backend. Until it is set the
// keyring package picks the platform default.
type keyringBackend struct {
	cfg *keyring.Config
}

func (b keyringBackend) String() string {
	if b.cfg == nil || len(b.cfg.AllowedBackends) == 0 {
		return string(keyring.InvalidBackend)
	}
	return string(b.cfg.AllowedBackends[0])
}

func (b keyringBackend) Set(name string) error {
	if b.cfg == nil {
		return errors.New("keyring backend is not bound to a config")
	}
	if name == "" {
		return nil
	}
	for _, available := range keyring.AvailableBackends() {
		if string(available) == name {
			b.cfg.AllowedBackends = []keyring.BackendType{available}
			return nil
		}
	}
	return fmt.Errorf("keyring type %q is not available on this platform", name)
}

// promptPassword asks for a password on whichever of stdout and stderr is a terminal and reads
// it from stdin without echo.
func promptPassword(prompt string) (string, error) {
	out := os.Stdout
	if !term.IsTerminal(int(out.Fd())) {
		out = os.Stderr
		if !term.IsTerminal(int(out.Fd())) {
			return "", errNoTerminal
		}
	}
	fmt.Fprintf(out, "%s: ", prompt)
	defer fmt.Fprintln(out)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

// keyringPassword answers keyring password prompts. The password from the environment wins;
// otherwise the user is asked once per process.
func (c *Config) keyringPassword(prompt string) (string, error) {
	if c.password != nil && *c.password != "" {
		return *c.password, nil
	}
	password, err := promptPassword(prompt)
	if err != nil {
		return "", err
	}
	c.password = &password
	return password, nil
}

// withKeyring opens the configured keyring and calls fn with the item holding the vehicle key.
func (c *Config) withKeyring(fn func(kr keyring.Keyring, item string) error) error {
	keyring.Debug = c.Debug
	kr, err := keyring.Open(c.Backend)
	if err != nil {
		return fmt.Errorf("opening keyring: %w", err)
	}
	return fn(kr, keyringItemPrefix+c.KeyringKeyName)
}

// LoadKeyFromKeyring reads the private key named c.KeyringKeyName from the system keyring.
func (c *Config) LoadKeyFromKeyring() (*protocol.PrivateKey, error) {
	var skey *protocol.PrivateKey
	err := c.withKeyring(func(kr keyring.Keyring, item string) error {
		stored, err := kr.Get(item)
		if err != nil {
			return fmt.Errorf("could not load key %q: %w", c.KeyringKeyName, err)
		}
		skey, err = protocol.UnmarshalPrivateKey(stored.Data)
		return err
	})
	return skey, err
}

func (c *Config) saveKeyToKeyring(skey *protocol.PrivateKey) error {
	return c.withKeyring(func(kr keyring.Keyring, item string) error {
		err := kr.Set(keyring.Item{
			Key:   item,
			Label: "Vehicle key " + c.KeyringKeyName,
			Data:  skey.Bytes(),
		})
		if err != nil {
			return fmt.Errorf("could not store key %q: %w", c.KeyringKeyName, err)
		}
		return nil
	})
}

// DeletePrivateKey removes the private key from the system keyring.
func (c *Config) DeletePrivateKey() error {
	return c.withKeyring(func(kr keyring.Keyring, item string) error {
		return kr.Remove(item)
	})
}
