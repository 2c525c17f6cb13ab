// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

// nio-keytool works on a nio crypto store offline: exporting room
// keys to a passphrase-protected file, importing such files, and
// generating backup recovery keypairs. It never talks to a
// homeserver.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/niochat/nio/crypto"
	"github.com/niochat/nio/crypto/store"
	"github.com/niochat/nio/lib/ref"
	"github.com/niochat/nio/lib/sealed"
	"github.com/niochat/nio/lib/secret"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	switch os.Args[1] {
	case "keygen":
		return runKeygen()
	case "export":
		return runExport(os.Args[2:])
	case "import":
		return runImport(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", os.Args[1])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: nio-keytool <subcommand> [flags]

Subcommands:
  keygen    Generate a backup recovery keypair
  export    Export room keys from a store to a protected file
  import    Import room keys from a protected file into a store

Run 'nio-keytool <subcommand> --help' for subcommand flags.
`)
}

// runKeygen generates a recovery keypair. The public key goes to
// stdout, the private key to stderr so redirecting stdout to a file
// captures only the shareable half.
func runKeygen() error {
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}
	defer keypair.Close()

	fmt.Fprintf(os.Stderr, "# Recovery key (keep this secret):\n")
	fmt.Fprintf(os.Stderr, "%s\n", keypair.PrivateKey.String())
	fmt.Fprintf(os.Stdout, "%s\n", keypair.PublicKey)
	return nil
}

func runExport(args []string) error {
	flags := pflag.NewFlagSet("export", pflag.ContinueOnError)
	storePath := flags.String("store", "", "path to the crypto store database")
	pickleKeyFile := flags.String("pickle-key-file", "", "file holding the store's pickle key")
	passphraseFile := flags.String("passphrase-file", "", "file holding the export passphrase (prompts if unset)")
	output := flags.String("output", "", "output file (defaults to stdout)")
	roomArgs := flags.StringArray("room", nil, "limit the export to a room (repeatable)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *storePath == "" || *pickleKeyFile == "" {
		return fmt.Errorf("--store and --pickle-key-file are required")
	}

	rooms := make([]ref.RoomID, 0, len(*roomArgs))
	for _, raw := range *roomArgs {
		roomID, err := ref.ParseRoomID(raw)
		if err != nil {
			return fmt.Errorf("parsing --room: %w", err)
		}
		rooms = append(rooms, roomID)
	}

	st, cleanup, err := openStore(*storePath, *pickleKeyFile)
	if err != nil {
		return err
	}
	defer cleanup()

	passphrase, err := readPassphrase(*passphraseFile, true)
	if err != nil {
		return err
	}
	defer passphrase.Close()

	container, err := crypto.ExportStoredRoomKeys(st, passphrase, rooms)
	if err != nil {
		return err
	}

	if *output == "" || *output == "-" {
		_, err = os.Stdout.Write(append(container, '\n'))
		return err
	}
	if err := os.WriteFile(*output, container, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", *output, err)
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", *output)
	return nil
}

func runImport(args []string) error {
	flags := pflag.NewFlagSet("import", pflag.ContinueOnError)
	storePath := flags.String("store", "", "path to the crypto store database")
	pickleKeyFile := flags.String("pickle-key-file", "", "file holding the store's pickle key")
	passphraseFile := flags.String("passphrase-file", "", "file holding the export passphrase (prompts if unset)")
	input := flags.String("input", "", "export file to import (defaults to stdin)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *storePath == "" || *pickleKeyFile == "" {
		return fmt.Errorf("--store and --pickle-key-file are required")
	}

	var container []byte
	var err error
	if *input == "" || *input == "-" {
		container, err = readAllStdin()
	} else {
		container, err = os.ReadFile(*input)
	}
	if err != nil {
		return fmt.Errorf("reading export file: %w", err)
	}

	st, cleanup, err := openStore(*storePath, *pickleKeyFile)
	if err != nil {
		return err
	}
	defer cleanup()

	passphrase, err := readPassphrase(*passphraseFile, false)
	if err != nil {
		return err
	}
	defer passphrase.Close()

	imported, err := crypto.ImportStoredRoomKeys(st, passphrase, container)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "imported %d sessions\n", imported)
	return nil
}

func openStore(path, pickleKeyFile string) (store.Store, func(), error) {
	pickleKey, err := readSecretFile(pickleKeyFile)
	if err != nil {
		return nil, nil, err
	}

	st, err := store.OpenSQLite(store.SQLiteConfig{
		Path:      path,
		PickleKey: pickleKey,
		Logger:    slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	if err != nil {
		pickleKey.Close()
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	cleanup := func() {
		st.Close()
		pickleKey.Close()
	}
	return st, cleanup, nil
}

// readPassphrase reads the passphrase from a file, or prompts on the
// terminal with echo disabled. Export prompts twice so a typo does
// not seal keys behind an unknown passphrase.
func readPassphrase(path string, confirm bool) (*secret.Buffer, error) {
	if path != "" && path != "-" {
		return readSecretFile(path)
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("no terminal for passphrase prompt (use --passphrase-file)")
	}

	fmt.Fprint(os.Stderr, "Passphrase: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	if len(first) == 0 {
		return nil, fmt.Errorf("passphrase is empty")
	}

	if confirm {
		fmt.Fprint(os.Stderr, "Confirm passphrase: ")
		second, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			zeroBytes(first)
			return nil, fmt.Errorf("reading passphrase confirmation: %w", err)
		}
		match := string(first) == string(second)
		zeroBytes(second)
		if !match {
			zeroBytes(first)
			return nil, fmt.Errorf("passphrases do not match")
		}
	}

	return secret.NewFromBytes(first)
}

// readSecretFile loads a secret from a file, stripping trailing
// newlines from echo/printf pipelines.
func readSecretFile(path string) (*secret.Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	trimmed := []byte(strings.TrimRight(string(data), "\r\n"))
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	return secret.NewFromBytes(trimmed)
}

func readAllStdin() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}

func zeroBytes(data []byte) {
	for index := range data {
		data[index] = 0
	}
}
