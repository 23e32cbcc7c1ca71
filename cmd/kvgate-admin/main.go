// ABOUTME: Admin CLI for kvgate user and permission management
// ABOUTME: Operates directly on the principal store file, no running server needed

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/kvgate/kvgate/internal/ident"
	"github.com/kvgate/kvgate/internal/principal"
	"github.com/kvgate/kvgate/internal/tenant"
)

const banner = `
 _                    _            _           _
| | ____   __ _  __ _| |_ ___     / \   __| |_ __ ___ (_)_ __
| |/ /\ \ / / _' |/ _' | __/ _ \ / _ \ / _' | '_ ' _ \| | '_ \
|   <  \ V / (_| | (_| | ||  __// ___ \ (_| | | | | | | | | | |
|_|\_\  \_/ \__, |\__,_|\__\___/_/   \_\__,_|_| |_| |_|_|_| |_|
            |___/
`

// getDataPath returns the kvgate data directory.
// Priority: KVGATE_DATA env var > XDG_DATA_HOME/kvgate > ~/.local/share/kvgate
func getDataPath() string {
	if envPath := os.Getenv("KVGATE_DATA"); envPath != "" {
		return envPath
	}

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "kvgate")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "users":
		err = cmdUsers(args)
	case "admin":
		err = cmdAdmin(args)
	case "perms":
		err = cmdPerms(args)
	case "tables":
		err = cmdTables(args)
	case "audit":
		err = cmdAudit(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: kvgate-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  users                        List registered users")
	fmt.Println("  users create <name>          Register a user (password read from stdin)")
	fmt.Println("  users delete <name>          Delete a user and their grants and sessions")
	fmt.Println("  admin grant <name>           Give a user the admin marker")
	fmt.Println("  admin revoke <name>          Take the admin marker away")
	fmt.Println("  perms <name>                 List a user's grants")
	fmt.Println("  perms grant <name> <table>...   Grant read and write on tables")
	fmt.Println("  perms revoke <name> <table>...  Revoke read and write on tables")
	fmt.Println("                               (--read-only / --write-only narrow either)")
	fmt.Println("  tables                       List tenant tables on disk")
	fmt.Println("  audit [--limit N]            Show recent audit entries")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  KVGATE_DATA   Data directory (default: ~/.local/share/kvgate)")
	fmt.Println()
}

// openStore opens the principal store in the data directory. The CLI runs
// quiet; store logging only surfaces warnings and errors.
func openStore() (*principal.Store, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	return principal.Open(filepath.Join(getDataPath(), "auth.sqlite"), logger)
}

func cmdUsers(args []string) error {
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		return cmdUsersList()
	case "create", "add":
		return cmdUsersCreate(args)
	case "delete", "rm", "remove":
		return cmdUsersDelete(args)
	default:
		return fmt.Errorf("unknown users subcommand: %s (use list, create, delete)", subcmd)
	}
}

func cmdUsersList() error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	users, err := store.ListUsers(context.Background())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSERNAME\tADMIN\tCREATED")
	for _, u := range users {
		isAdmin, err := store.IsAdmin(context.Background(), u.ID)
		if err != nil {
			return err
		}
		admin := ""
		if isAdmin {
			admin = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", u.ID, u.Username, admin, u.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func cmdUsersCreate(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kvgate-admin users create <name>")
	}
	username := args[0]

	fmt.Print("Password: ")
	reader := bufio.NewReader(os.Stdin)
	password, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	password = strings.TrimRight(password, "\r\n")

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := store.Register(context.Background(), username, password)
	if err != nil {
		if errors.Is(err, principal.ErrDuplicateUser) {
			return fmt.Errorf("user %q already exists", username)
		}
		return err
	}

	color.Green("Created user %s (id %d)\n", username, id)
	return nil
}

func cmdUsersDelete(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kvgate-admin users delete <name>")
	}
	username := args[0]

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.DeleteUser(context.Background(), username); err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			return fmt.Errorf("no such user: %s", username)
		}
		return err
	}

	color.Green("Deleted user %s\n", username)
	return nil
}

func cmdAdmin(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: kvgate-admin admin grant|revoke <name>")
	}
	subcmd, username := args[0], args[1]

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	userID, err := store.UserIDByName(context.Background(), username)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			return fmt.Errorf("no such user: %s", username)
		}
		return err
	}

	switch subcmd {
	case "grant":
		if err := store.Grant(context.Background(), userID, principal.AdminPermission); err != nil {
			return err
		}
		color.Green("Granted admin to %s\n", username)
	case "revoke":
		if err := store.Revoke(context.Background(), userID, principal.AdminPermission); err != nil {
			return err
		}
		color.Green("Revoked admin from %s\n", username)
	default:
		return fmt.Errorf("unknown admin subcommand: %s (use grant, revoke)", subcmd)
	}
	return nil
}

func cmdPerms(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kvgate-admin perms <name> | perms grant|revoke <name> <table>")
	}

	switch args[0] {
	case "grant", "revoke":
		return cmdPermsChange(args[0], args[1:])
	default:
		return cmdPermsList(args[0])
	}
}

func cmdPermsList(username string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	userID, err := store.UserIDByName(context.Background(), username)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			return fmt.Errorf("no such user: %s", username)
		}
		return err
	}

	perms, err := store.ListPermissions(context.Background(), userID)
	if err != nil {
		return err
	}

	if len(perms) == 0 {
		fmt.Printf("%s has no grants\n", username)
		return nil
	}
	for _, p := range perms {
		fmt.Println(p)
	}
	return nil
}

func cmdPermsChange(verb string, args []string) error {
	readOnly := false
	writeOnly := false
	var rest []string
	for _, a := range args {
		switch a {
		case "--read-only":
			readOnly = true
		case "--write-only":
			writeOnly = true
		default:
			rest = append(rest, a)
		}
	}
	if len(rest) < 2 {
		return fmt.Errorf("usage: kvgate-admin perms %s <name> <table>... [--read-only|--write-only]", verb)
	}
	username, tables := rest[0], rest[1:]

	var ids []ident.Identifier
	for _, table := range tables {
		id, err := ident.Validate(table)
		if err != nil {
			return fmt.Errorf("invalid table name %q: letters and underscores only", table)
		}
		ids = append(ids, id)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	userID, err := store.UserIDByName(context.Background(), username)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			return fmt.Errorf("no such user: %s", username)
		}
		return err
	}

	var perms []string
	for _, id := range ids {
		if !writeOnly {
			perms = append(perms, principal.ReadPermission(id))
		}
		if !readOnly {
			perms = append(perms, principal.WritePermission(id))
		}
	}

	for _, perm := range perms {
		var err error
		if verb == "grant" {
			err = store.Grant(context.Background(), userID, perm)
		} else {
			err = store.Revoke(context.Background(), userID, perm)
		}
		if err != nil {
			return err
		}
	}

	past := "Granted"
	if verb == "revoke" {
		past = "Revoked"
	}
	color.Green("%s %s for %s\n", past, strings.Join(perms, ", "), username)
	return nil
}

func cmdTables(args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	tenants, err := tenant.NewStore(getDataPath(), logger)
	if err != nil {
		return err
	}

	names, err := tenants.List()
	if err != nil {
		return err
	}

	if len(names) == 0 {
		fmt.Println("no tables")
		return nil
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func cmdAudit(args []string) error {
	limit := 0
	for i := 0; i < len(args); i++ {
		if args[i] == "--limit" && i+1 < len(args) {
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return fmt.Errorf("invalid --limit value: %s", args[i+1])
			}
			limit = n
			i++
		}
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.ListAudit(context.Background(), limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTOR\tACTION\tTARGET")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Actor, e.Action, e.Target)
	}
	return w.Flush()
}
