// Utility for generating, saving, and migrating vehicle keys

package main

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/streamlab/accessorylink/internal/log"
	"github.com/streamlab/accessorylink/pkg/cli"
	"github.com/streamlab/accessorylink/pkg/protocol"
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usageText = `
Creates or deletes the private key used to open secure sessions with a vehicle and saves it in the
system keyring, or migrates a key from a plaintext file into the system keyring.

The program writes the public key to stdout (except when deleting a key). When using the create
option, the program will not overwrite an existing key unless invoked with -f.

The type of keyring and name of the key inside that keyring are controlled by the command-line
options below, or through the corresponding environment variables.`

func cliUsage() {
	usage(flag.CommandLine.Output())
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: %s [OPTION...] create|delete|export|migrate\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(w, usageText)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "OPTIONS:")
	flag.PrintDefaults()
}

func writePublicKey(w io.Writer, skey *protocol.PrivateKey) error {
	pkey, err := ecdh.P256().NewPublicKey(skey.PublicBytes())
	if err != nil {
		return err
	}
	derPublicKey, err := x509.MarshalPKIXPublicKey(pkey)
	if err != nil {
		return err
	}
	return pem.Encode(w, &pem.Block{Type: "PUBLIC KEY", Bytes: derPublicKey})
}

func main() {
	var (
		overwrite bool
		skey      *protocol.PrivateKey
		err       error
	)
	status := 1
	defer func() {
		os.Exit(status)
	}()

	config, err := cli.NewConfig(cli.FlagPrivateKey)
	if err != nil {
		writeErr("Failed to load credential configuration: %s", err)
		return
	}
	config.RegisterCommandLineFlags()
	flag.Usage = cliUsage
	flag.BoolVar(&overwrite, "f", false, "Overwrite existing key if it exists")
	flag.Parse()
	if config.Debug {
		log.SetLevel(log.LevelDebug)
	}
	config.ReadFromEnvironment()

	if flag.NArg() != 1 {
		usage(os.Stderr)
		return
	}

	switch flag.Arg(0) {
	case "migrate":
		if config.KeyFilename == "" || config.KeyringKeyName == "" {
			writeErr("Must provide path of existing key (-key-file) and name of new key (-key-name)")
			return
		}

		skey, err = protocol.LoadPrivateKey(config.KeyFilename)
		if err != nil {
			writeErr("Unable to read key: %s", err)
			return
		}
		config.KeyFilename = "" // Prevent key from being re-written to a file
	case "delete":
		if err := config.DeletePrivateKey(); err != nil {
			writeErr("Failed to delete key: %s", err)
		} else {
			status = 0
		}
		return
	case "create":
		if !overwrite {
			// Print key and exit if it already exists
			skey, err = config.PrivateKey()
			if err == nil {
				if err := writePublicKey(os.Stdout, skey); err != nil {
					writeErr("Failed to encode key. The keyring may be corrupted. Run with -f to generate new key.")
					return
				}
				status = 0
				return
			}
		}
		skey, err = protocol.GeneratePrivateKey(rand.Reader)
		if err != nil {
			writeErr("Failed to generate private key: %s", err)
			return
		}
	case "export":
		skey, err = config.PrivateKey()
		var encoded []byte
		if err == nil {
			encoded, err = skey.MarshalPEM()
		}
		if err != nil {
			writeErr("Failed to export private key: %s", err)
			return
		}
		os.Stdout.Write(encoded)
		status = 0
		return
	default:
		writeErr("Unrecognized command-line argument.")
		writeErr("")
		usage(os.Stderr)
		return
	}

	if err = config.SavePrivateKey(skey); err != nil {
		writeErr("Failed to save key: %s", err)
		return
	}

	if err := writePublicKey(os.Stdout, skey); err != nil {
		writeErr("Failed to extract public key. Run with -f to generate new key pair.")
		return
	}
	status = 0
}
