package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MycelicMemory/mycelicmemory/internal/crypto"
	syncpkg "github.com/MycelicMemory/mycelicmemory/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now",
	Run: func(cmd *cobra.Command, args []string) {
		runSync()
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log this device in and set up the sync PIN",
	Long: `Log in via the cloud relay's device authorization flow, then set up or
re-enter the sync PIN. The PIN never leaves this machine: it derives the
encryption key locally, and only an encrypted verifier is stored.`,
	Run: func(cmd *cobra.Command, args []string) {
		runLogin()
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and clear the cached encryption key",
	Run: func(cmd *cobra.Command, args []string) {
		runLogout()
	},
}

var pinVerifyCmd = &cobra.Command{
	Use:   "pin",
	Short: "Re-enter the sync PIN to refresh the cached key",
	Run: func(cmd *cobra.Command, args []string) {
		runPinVerify()
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(pinVerifyCmd)
}

func runSync() {
	svc, err := openServices()
	if err != nil {
		fatal(err)
	}
	defer svc.Close()

	result, err := svc.syncEng.Run(context.Background())
	if err != nil {
		if errors.Is(err, syncpkg.ErrPINExpired) {
			fmt.Fprintln(os.Stderr, "Sync PIN expired. Run `mycelicmemory pin` to re-enter it.")
			os.Exit(1)
		}
		fatal(err)
	}

	fmt.Printf("Sync complete — pushed %d, pulled %d\n", result.Pushed, result.Pulled)
	if result.Purged > 0 {
		fmt.Printf("Purged %d old tombstones\n", result.Purged)
	}
	fmt.Println("End-to-end encrypted")
}

func promptLine(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func runLogin() {
	svc, err := openServices()
	if err != nil {
		fatal(err)
	}
	defer svc.Close()
	cfg := svc.cfg

	client := syncpkg.NewClient(cfg.Sync.CloudURL, "")
	ctx := context.Background()

	if !cfg.IsLoggedIn() {
		code, err := client.RequestDeviceCode(ctx, syncpkg.Fingerprint())
		if err != nil {
			fatal(fmt.Errorf("device authorization failed: %w", err))
		}

		fmt.Printf("Open %s and enter code: %s\n", code.VerificationURI, code.UserCode)
		fmt.Println("Waiting for approval...")

		interval := time.Duration(code.Interval) * time.Second
		if interval <= 0 {
			interval = 5 * time.Second
		}
		deadline := time.Now().Add(time.Duration(code.ExpiresIn) * time.Second)

		for {
			if code.ExpiresIn > 0 && time.Now().After(deadline) {
				fatal(fmt.Errorf("device code expired before approval"))
			}
			time.Sleep(interval)

			token, err := client.PollDeviceToken(ctx, code.DeviceCode)
			if err != nil {
				fatal(fmt.Errorf("device token exchange failed: %w", err))
			}
			if token.Pending {
				continue
			}

			cfg.Sync.APIKey = token.APIKey
			cfg.Sync.Email = token.Email
			if token.Tier != "" {
				cfg.Sync.Tier = token.Tier
			}
			cfg.Sync.DeviceID = syncpkg.Fingerprint()
			break
		}
		fmt.Println("Device logged in.")
	}

	// PIN phase: derive the key locally, verify against the stored verifier
	// or register a fresh one. The relay never sees PIN or key.
	authed := syncpkg.NewClient(cfg.Sync.CloudURL, cfg.Sync.APIKey)

	pin, err := promptLine("Sync PIN: ")
	if err != nil {
		fatal(err)
	}

	if cfg.Crypto.PinVerifier == "" {
		if state, err := authed.FetchPINState(ctx); err == nil && state.PinVerifier != "" {
			cfg.Crypto.PinVerifier = state.PinVerifier
			cfg.Crypto.KeySalt = state.KeySalt
		}
	}

	if cfg.Crypto.PinVerifier == "" {
		// First device: seal a fresh verifier and register it.
		key := crypto.DeriveKey(pin, cfg.Sync.Email)
		verifier, err := crypto.NewPINVerifier(key)
		if err != nil {
			fatal(err)
		}
		if err := authed.SetupPIN(ctx, &syncpkg.PINSetupRequest{
			PinVerifier: verifier,
			KeySalt:     cfg.Sync.Email,
		}); err != nil {
			fatal(fmt.Errorf("PIN registration failed: %w", err))
		}
		cfg.Crypto.PinVerifier = verifier
		cfg.CacheKey(key)
		fmt.Println("Sync PIN set. End-to-end encryption enabled.")
	} else {
		key, err := crypto.VerifyPIN(pin, cfg.Sync.Email, cfg.Crypto.PinVerifier)
		if err != nil {
			cfg.Sync.APIKey = ""
			cfg.Sync.DeviceID = ""
			cfg.ClearCachedKey()
			_ = cfg.Save()
			fmt.Fprintln(os.Stderr, "Wrong sync PIN. You've been logged out. Run `login` to try again.")
			os.Exit(1)
		}
		cfg.CacheKey(key)
		fmt.Println("Sync PIN verified.")
	}

	if err := cfg.Save(); err != nil {
		fatal(fmt.Errorf("failed to save config: %w", err))
	}
}

func runLogout() {
	svc, err := openServices()
	if err != nil {
		fatal(err)
	}
	defer svc.Close()

	svc.cfg.Sync.APIKey = ""
	svc.cfg.Sync.DeviceID = ""
	svc.cfg.ClearCachedKey()
	if err := svc.cfg.Save(); err != nil {
		fatal(err)
	}
	fmt.Println("Logged out. Cached encryption key cleared.")
}

func runPinVerify() {
	svc, err := openServices()
	if err != nil {
		fatal(err)
	}
	defer svc.Close()
	cfg := svc.cfg

	if !cfg.IsEncrypted() {
		fmt.Fprintln(os.Stderr, "Encryption not configured. Run `mycelicmemory login` first.")
		os.Exit(1)
	}

	pin, err := promptLine("Sync PIN: ")
	if err != nil {
		fatal(err)
	}

	key, err := crypto.VerifyPIN(pin, cfg.Sync.Email, cfg.Crypto.PinVerifier)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Wrong sync PIN.")
		os.Exit(1)
	}
	cfg.CacheKey(key)
	if err := cfg.Save(); err != nil {
		fatal(err)
	}
	fmt.Println("Sync PIN verified. Key cached for 30 days.")
}
