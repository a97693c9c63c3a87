// Package main provides the account management CLI tool: a terminal
// front-end for the same on-disk account pool the server reads.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/auth"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/pkg/store"
)

var serverPort = config.DefaultPort

func main() {
	args := os.Args[1:]
	command := "add"
	noBrowser := false

	for _, arg := range args {
		if arg == "--no-browser" {
			noBrowser = true
		} else if !strings.HasPrefix(arg, "-") && command == "add" {
			command = arg
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			serverPort = p
		}
	}

	printBanner()

	scanner := bufio.NewScanner(os.Stdin)

	switch command {
	case "add":
		ensureServerStopped()
		interactiveAdd(scanner, noBrowser)
	case "list":
		listAccounts()
	case "clear":
		ensureServerStopped()
		clearAccounts(scanner)
	case "verify":
		verifyAccounts()
	case "remove":
		ensureServerStopped()
		interactiveRemove(scanner)
	case "help":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		fmt.Println("Run with \"help\" for usage information.")
	}
}

func printBanner() {
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║   Antigravity Proxy Account Manager    ║")
	fmt.Println("║   Use --no-browser for headless mode   ║")
	fmt.Println("╚════════════════════════════════════════╝")
}

func printHelp() {
	fmt.Println("\nUsage:")
	fmt.Println("  antigravity-accounts add     Add new account(s)")
	fmt.Println("  antigravity-accounts list    List all accounts")
	fmt.Println("  antigravity-accounts verify  Verify account tokens")
	fmt.Println("  antigravity-accounts clear   Remove all accounts")
	fmt.Println("  antigravity-accounts help    Show this help")
	fmt.Println("\nOptions:")
	fmt.Println("  --no-browser    Manual authorization code input (for headless servers)")
}

// isServerRunning checks if the proxy server is listening on its configured port.
func isServerRunning() bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", serverPort), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ensureServerStopped exits if the server is running, since the server
// holds the account file's save-debounce timer and would clobber CLI edits.
func ensureServerStopped() {
	if isServerRunning() {
		fmt.Printf("\n\033[31mError: Antigravity Proxy server is currently running on port %d.\033[0m\n\n", serverPort)
		fmt.Println("Please stop the server (Ctrl+C) before adding or managing accounts.")
		fmt.Println("This ensures that your account changes are loaded correctly when you restart the server.")
		os.Exit(1)
	}
}

func openBrowser(url string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", strings.ReplaceAll(url, "&", "^&"))
	default:
		cmd = exec.Command("xdg-open", url)
	}

	if err := cmd.Start(); err != nil {
		fmt.Println("\n⚠ Could not open browser automatically.")
		fmt.Println("Please open this URL manually:", url)
	}
}

func loadAccounts() []*store.Account {
	cfg, err := store.Load(config.AccountConfigPath)
	if err != nil {
		fmt.Println("Error loading accounts:", err)
		return nil
	}
	return cfg.Accounts
}

func saveAccounts(accounts []*store.Account) error {
	cfg, err := store.Load(config.AccountConfigPath)
	if err != nil {
		return err
	}
	cfg.Accounts = accounts
	if cfg.ActiveIndex >= len(accounts) {
		cfg.ActiveIndex = 0
	}
	return store.Save(config.AccountConfigPath, cfg)
}

func deleteAccount(email string) error {
	cfg, err := store.Load(config.AccountConfigPath)
	if err != nil {
		return err
	}
	kept := make([]*store.Account, 0, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		if acc.Email != email {
			kept = append(kept, acc)
		}
	}
	cfg.Accounts = kept
	if cfg.ActiveIndex >= len(kept) {
		cfg.ActiveIndex = 0
	}
	return store.Save(config.AccountConfigPath, cfg)
}

func clearAllAccounts() error {
	return store.Save(config.AccountConfigPath, &store.Config{Accounts: []*store.Account{}, ActiveIndex: 0})
}

func displayAccounts(accounts []*store.Account) {
	if len(accounts) == 0 {
		fmt.Println("\nNo accounts configured.")
		return
	}

	fmt.Printf("\n%d account(s) saved:\n", len(accounts))
	for i, acc := range accounts {
		status := ""
		if acc.IsInvalid {
			status = " (invalid)"
		}
		fmt.Printf("  %d. %s%s\n", i+1, acc.Email, status)
	}
}

func prompt(scanner *bufio.Scanner, message string) string {
	fmt.Print(message)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}

// addAccount runs the OAuth flow with an automatic local callback listener.
func addAccount(existingAccounts []*store.Account) *store.Account {
	fmt.Println("\n=== Add Google Account ===")

	result, err := auth.GetAuthorizationURL()
	if err != nil {
		fmt.Println("Error generating auth URL:", err)
		return nil
	}

	fmt.Println("Opening browser for Google sign-in...")
	fmt.Println("(If browser does not open, copy this URL manually)")
	fmt.Printf("   %s\n\n", result.URL)

	openBrowser(result.URL)

	fmt.Println("Waiting for authentication (timeout: 2 minutes)...")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	callbackServer := auth.NewCallbackServer(result.State)
	code, err := callbackServer.Start(ctx)
	if err != nil {
		fmt.Printf("\n✗ Authentication failed: %v\n", err)
		return nil
	}

	fmt.Println("Received authorization code. Exchanging for tokens...")

	tokens, email, projectID, err := auth.CompleteOAuthFlow(ctx, code, result.Verifier)
	if err != nil {
		fmt.Printf("\n✗ Authentication failed: %v\n", err)
		return nil
	}

	return mergeOrCreateAccount(existingAccounts, email, tokens.RefreshToken, projectID)
}

// addAccountNoBrowser runs the OAuth flow with the user pasting the
// redirect URL or code manually, for headless servers.
func addAccountNoBrowser(existingAccounts []*store.Account, scanner *bufio.Scanner) *store.Account {
	fmt.Println("\n=== Add Google Account (No-Browser Mode) ===")

	result, err := auth.GetAuthorizationURL()
	if err != nil {
		fmt.Println("Error generating auth URL:", err)
		return nil
	}

	fmt.Println("Copy the following URL and open it in a browser on another device:")
	fmt.Printf("   %s\n\n", result.URL)
	fmt.Println("After signing in, you will be redirected to a localhost URL.")
	fmt.Println("Copy the ENTIRE redirect URL or just the authorization code.")

	input := prompt(scanner, "Paste the callback URL or authorization code: ")
	if input == "" {
		fmt.Println("\n✗ No input provided.")
		return nil
	}

	codeResult, err := auth.ExtractCodeFromInput(input)
	if err != nil {
		fmt.Printf("\n✗ %v\n", err)
		return nil
	}

	if codeResult.State != "" && codeResult.State != result.State {
		fmt.Println("\n⚠ State mismatch detected. This could indicate a security issue.")
		fmt.Println("Proceeding anyway as this is manual mode...")
	}

	fmt.Println("\nExchanging authorization code for tokens...")

	tokens, email, projectID, err := auth.CompleteOAuthFlow(context.Background(), codeResult.Code, result.Verifier)
	if err != nil {
		fmt.Printf("\n✗ Authentication failed: %v\n", err)
		return nil
	}

	return mergeOrCreateAccount(existingAccounts, email, tokens.RefreshToken, projectID)
}

// mergeOrCreateAccount updates refresh_token in place for an existing
// account with the same email (saving immediately, since the caller won't
// append a duplicate), or returns a fresh *store.Account to be appended.
func mergeOrCreateAccount(existing []*store.Account, email, refreshToken, projectID string) *store.Account {
	for _, acc := range existing {
		if acc.Email == email {
			fmt.Printf("\n⚠ Account %s already exists. Updating tokens.\n", email)
			acc.RefreshToken = refreshToken
			now := time.Now().UnixMilli()
			acc.LastUsed = &now
			if err := saveAccounts(existing); err != nil {
				fmt.Println("Error saving account:", err)
			}
			return nil
		}
	}

	fmt.Printf("\n✓ Successfully authenticated: %s\n", email)
	if projectID == "" {
		fmt.Println("  Project will be discovered on first API request.")
	}

	return &store.Account{
		Email:        email,
		RefreshToken: refreshToken,
		Source:       store.SourceOAuth,
		ProjectID:    projectID,
		AddedAt:      time.Now().UnixMilli(),
	}
}

func interactiveAdd(scanner *bufio.Scanner, noBrowser bool) {
	if noBrowser {
		fmt.Println("\n📋 No-browser mode: You will manually paste the authorization code.")
	}

	accounts := loadAccounts()
	if accounts == nil {
		accounts = []*store.Account{}
	}

	if len(accounts) > 0 {
		displayAccounts(accounts)

		choice := prompt(scanner, "\n(a)dd new, (r)emove existing, (f)resh start, or (e)xit? [a/r/f/e]: ")

		switch strings.ToLower(choice) {
		case "r":
			interactiveRemove(scanner)
			return
		case "f":
			fmt.Println("\nStarting fresh - existing accounts will be replaced.")
			if err := clearAllAccounts(); err != nil {
				fmt.Println("Error clearing accounts:", err)
				return
			}
			accounts = []*store.Account{}
		case "e":
			fmt.Println("\nExiting...")
			return
		case "a":
			fmt.Println("\nAdding to existing accounts.")
		default:
			fmt.Println("\nInvalid choice, defaulting to add.")
		}
	}

	if len(accounts) >= config.MaxAccounts {
		fmt.Printf("\nMaximum of %d accounts reached.\n", config.MaxAccounts)
		return
	}

	var newAccount *store.Account
	if noBrowser {
		newAccount = addAccountNoBrowser(accounts, scanner)
	} else {
		newAccount = addAccount(accounts)
	}

	if newAccount != nil {
		accounts = append(accounts, newAccount)
		if err := saveAccounts(accounts); err != nil {
			fmt.Println("Error saving account:", err)
		} else {
			fmt.Printf("\n✓ Saved account %s\n", newAccount.Email)
		}
	}

	if len(accounts) > 0 {
		displayAccounts(accounts)
		fmt.Println("\nTo add more accounts, run this command again.")
	} else {
		fmt.Println("\nNo accounts to save.")
	}
}

func interactiveRemove(scanner *bufio.Scanner) {
	for {
		accounts := loadAccounts()
		if len(accounts) == 0 {
			fmt.Println("\nNo accounts to remove.")
			return
		}

		displayAccounts(accounts)
		fmt.Println("\nEnter account number to remove (or 0 to cancel)")

		answer := prompt(scanner, "> ")
		index, err := strconv.Atoi(answer)
		if err != nil || index < 0 || index > len(accounts) {
			fmt.Println("\n❌ Invalid selection.")
			continue
		}

		if index == 0 {
			return
		}

		removed := accounts[index-1]
		confirm := prompt(scanner, fmt.Sprintf("\nAre you sure you want to remove %s? [y/N]: ", removed.Email))

		if strings.ToLower(confirm) == "y" {
			if err := deleteAccount(removed.Email); err != nil {
				fmt.Println("Error removing account:", err)
			} else {
				fmt.Printf("\n✓ Removed %s\n", removed.Email)
			}
		} else {
			fmt.Println("\nCancelled.")
		}

		removeMore := prompt(scanner, "\nRemove another account? [y/N]: ")
		if strings.ToLower(removeMore) != "y" {
			break
		}
	}
}

func listAccounts() {
	displayAccounts(loadAccounts())
}

func clearAccounts(scanner *bufio.Scanner) {
	accounts := loadAccounts()

	if len(accounts) == 0 {
		fmt.Println("No accounts to clear.")
		return
	}

	displayAccounts(accounts)

	confirm := prompt(scanner, "\nAre you sure you want to remove all accounts? [y/N]: ")
	if strings.ToLower(confirm) == "y" {
		if err := clearAllAccounts(); err != nil {
			fmt.Println("Error clearing accounts:", err)
		} else {
			fmt.Println("All accounts removed.")
		}
	} else {
		fmt.Println("Cancelled.")
	}
}

// verifyAccounts exercises each account's refresh token against Google's
// token endpoint, without touching the account pool's invalid-account state.
func verifyAccounts() {
	accounts := loadAccounts()

	if len(accounts) == 0 {
		fmt.Println("No accounts to verify.")
		return
	}

	fmt.Println("\nVerifying accounts...")

	ctx := context.Background()
	for _, acc := range accounts {
		tokens, err := auth.RefreshAccessToken(ctx, acc.RefreshToken)
		if err != nil {
			fmt.Printf("  ✗ %s - %v\n", acc.Email, err)
			continue
		}

		email, err := auth.GetUserEmail(ctx, tokens.AccessToken)
		if err != nil {
			fmt.Printf("  ✗ %s - %v\n", acc.Email, err)
			continue
		}

		fmt.Printf("  ✓ %s - OK\n", email)
	}
}
