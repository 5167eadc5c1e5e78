package main

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/term"
)

// runApproverCommand hosts local-key operations for an Upgrade approver
// who wants to sign a manifest hash without ever writing a raw private
// key to disk: the key is derived on the spot from a passphrase plus the
// approver's own id, the same HKDF-over-SHA-256 construction the service
// uses for its ephemeral dev signer (signing/ephemeral.go), applied here
// client-side instead of server-side.
func runApproverCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: sentinelctl approver <pubkey|sign>")
		return 1
	}
	switch args[0] {
	case "pubkey":
		return runApproverPubkey(args[1:], stdout, stderr)
	case "sign":
		return runApproverSign(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown approver subcommand: %s\n", args[0])
		return 1
	}
}

func runApproverPubkey(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("approver pubkey", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var approverID string
	fs.StringVar(&approverID, "approver-id", "", "approver identity the key is derived for")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if approverID == "" {
		fmt.Fprintln(stderr, "--approver-id is required")
		return 1
	}

	passphrase, err := readPassphrase(stderr, "Approver passphrase: ")
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	_, pub, kid, err := deriveApproverKey(approverID, passphrase)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "kid=%s public_key_b64=%s\n", kid, base64.StdEncoding.EncodeToString(pub))
	return 0
}

func runApproverSign(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("approver sign", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var approverID, manifestHash string
	fs.StringVar(&approverID, "approver-id", "", "approver identity the key is derived for")
	fs.StringVar(&manifestHash, "manifest-hash", "", "hex manifest_hash returned by 'upgrade create'")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if approverID == "" || manifestHash == "" {
		fmt.Fprintln(stderr, "--approver-id and --manifest-hash are required")
		return 1
	}

	passphrase, err := readPassphrase(stderr, "Approver passphrase: ")
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	priv, _, _, err := deriveApproverKey(approverID, passphrase)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	sig := ed25519.Sign(priv, []byte(manifestHash))
	fmt.Fprintln(stdout, base64.StdEncoding.EncodeToString(sig))
	return 0
}

// readPassphrase prompts on stderr and reads a hidden line from the
// controlling terminal, falling back to a plain (non-interactive) read
// when stdin isn't a TTY so this still works piped in CI/scripts.
func readPassphrase(stderr io.Writer, prompt string) (string, error) {
	fmt.Fprint(stderr, prompt)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		var line string
		if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		return line, nil
	}
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(raw), nil
}

func deriveApproverKey(approverID, passphrase string) (ed25519.PrivateKey, ed25519.PublicKey, string, error) {
	reader := hkdf.New(sha256.New, []byte(passphrase), []byte(approverID), []byte("sentinelctl-approver-ed25519"))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, nil, "", fmt.Errorf("derive approver key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	kid := "local-ed25519:" + hex.EncodeToString(sum[:8])
	return priv, pub, kid, nil
}
