// Command azdoconnctl manages Azure DevOps connection profiles: CRUD,
// connection tests, import/export and legacy settings migration.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devdeck-tools/azdoconn/internal/azdo"
	"github.com/devdeck-tools/azdoconn/internal/config"
	"github.com/devdeck-tools/azdoconn/internal/crypto"
	"github.com/devdeck-tools/azdoconn/internal/model"
	"github.com/devdeck-tools/azdoconn/internal/pool"
	"github.com/devdeck-tools/azdoconn/internal/profile"
	"github.com/devdeck-tools/azdoconn/internal/settings"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `azdoconnctl %s — Azure DevOps connection profile manager

Usage: azdoconnctl <command> [flags]

Commands:
  create          create a profile (-name -org -project -pat [-default])
  list            list all profiles
  show            show one profile (-id)
  update          update a profile (-id [-name] [-org] [-project] [-pat] [-default])
  delete          delete a profile (-id)
  duplicate       duplicate a profile (-id [-name])
  test            test a profile's connection (-id)
  connect         acquire a pooled connection and report pool stats (-id)
  export          export profiles ([-secrets])
  import          import profiles (-file [-overwrite])
  migrate-legacy  migrate a legacy settings JSON blob (-file)

Configuration file: $AZDOCONN_CONFIG (YAML); passphrase: $%s
`, version, config.EnvPassphrase)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(os.Getenv("AZDOCONN_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	log := buildLogger(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	fileStore, err := settings.NewFileStore(cfg.SettingsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	cipher := crypto.NewCipher(cfg.MasterPassphrase)
	store := profile.New(fileStore, cipher, azdo.NewClient, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, store, log, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildLogger(level string) *zap.Logger {
	zc := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	log, err := zc.Build()
	if err != nil {
		panic(err)
	}
	return log
}

func run(ctx context.Context, cfg *config.Config, store *profile.Store, log *zap.Logger, cmd string, args []string) error {
	switch cmd {
	case "create":
		return cmdCreate(store, args)
	case "list":
		return cmdList(store)
	case "show":
		return cmdShow(store, args)
	case "update":
		return cmdUpdate(store, args)
	case "delete":
		return cmdDelete(store, args)
	case "duplicate":
		return cmdDuplicate(store, args)
	case "test":
		return cmdTest(ctx, store, args)
	case "connect":
		return cmdConnect(ctx, cfg, store, log, args)
	case "export":
		return cmdExport(store, args)
	case "import":
		return cmdImport(store, args)
	case "migrate-legacy":
		return cmdMigrateLegacy(store, args)
	case "help", "-h", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdCreate(store *profile.Store, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	name := fs.String("name", "", "profile name")
	org := fs.String("org", "", "organization URL")
	project := fs.String("project", "", "project name")
	pat := fs.String("pat", "", "personal access token (or - for stdin)")
	isDefault := fs.Bool("default", false, "mark as default profile")
	_ = fs.Parse(args)

	token, err := readSecretArg(*pat)
	if err != nil {
		return err
	}
	p, err := store.CreateProfile(model.ProfileInput{
		Name:                *name,
		OrganizationURL:     *org,
		ProjectName:         *project,
		PersonalAccessToken: token,
		IsDefault:           *isDefault,
	})
	if err != nil {
		return err
	}
	printJSON(redacted(p))
	return nil
}

func cmdList(store *profile.Store) error {
	out := make([]*model.Profile, 0)
	for _, p := range store.GetAllProfiles() {
		out = append(out, redacted(p))
	}
	printJSON(out)
	return nil
}

func cmdShow(store *profile.Store, args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	id := fs.String("id", "", "profile id")
	_ = fs.Parse(args)

	p := store.GetProfile(*id)
	if p == nil {
		return fmt.Errorf("profile %q not found", *id)
	}
	printJSON(redacted(p))
	return nil
}

func cmdUpdate(store *profile.Store, args []string) error {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	id := fs.String("id", "", "profile id")
	name := fs.String("name", "", "new name")
	org := fs.String("org", "", "new organization URL")
	project := fs.String("project", "", "new project name")
	pat := fs.String("pat", "", "new personal access token (or - for stdin)")
	isDefault := fs.Bool("default", false, "mark as default profile")
	_ = fs.Parse(args)

	var upd model.ProfileUpdate
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			upd.Name = name
		case "org":
			upd.OrganizationURL = org
		case "project":
			upd.ProjectName = project
		case "default":
			upd.IsDefault = isDefault
		}
	})
	if *pat != "" {
		token, err := readSecretArg(*pat)
		if err != nil {
			return err
		}
		upd.PersonalAccessToken = &token
	}

	p, err := store.UpdateProfile(*id, upd)
	if err != nil {
		return err
	}
	printJSON(redacted(p))
	return nil
}

func cmdDelete(store *profile.Store, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	id := fs.String("id", "", "profile id")
	_ = fs.Parse(args)

	ok, err := store.DeleteProfile(*id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("profile %q not found", *id)
	}
	fmt.Println("deleted")
	return nil
}

func cmdDuplicate(store *profile.Store, args []string) error {
	fs := flag.NewFlagSet("duplicate", flag.ExitOnError)
	id := fs.String("id", "", "profile id")
	name := fs.String("name", "", "name for the copy (optional)")
	_ = fs.Parse(args)

	p, err := store.DuplicateProfile(*id, *name)
	if err != nil {
		return err
	}
	printJSON(redacted(p))
	return nil
}

func cmdTest(ctx context.Context, store *profile.Store, args []string) error {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	id := fs.String("id", "", "profile id (default profile when omitted)")
	_ = fs.Parse(args)

	profileID := *id
	if profileID == "" {
		def := store.GetDefaultProfile()
		if def == nil {
			return fmt.Errorf("no profiles configured")
		}
		profileID = def.ID
	}
	printJSON(store.TestConnection(ctx, profileID))
	return nil
}

// cmdConnect exercises the full pool path: acquire by profile, report stats,
// release, shut down.
func cmdConnect(ctx context.Context, cfg *config.Config, store *profile.Store, log *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	id := fs.String("id", "", "profile id (default profile when omitted)")
	_ = fs.Parse(args)

	profileID := *id
	if profileID == "" {
		def := store.GetDefaultProfile()
		if def == nil {
			return fmt.Errorf("no profiles configured")
		}
		profileID = def.ID
	}

	p := pool.New(store, azdo.NewClient, log,
		pool.WithSweepInterval(cfg.Pool.SweepInterval),
		pool.WithIdleTimeout(cfg.Pool.IdleTimeout),
	)
	defer func() { _ = p.Close(ctx) }()

	if _, err := p.GetByProfile(ctx, profileID); err != nil {
		return err
	}
	printJSON(p.Stats())
	p.ReleaseByProfile(profileID)
	return nil
}

func cmdExport(store *profile.Store, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	secrets := fs.Bool("secrets", false, "include decrypted personal access tokens")
	_ = fs.Parse(args)

	out, err := store.ExportProfiles(*secrets)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func cmdImport(store *profile.Store, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	file := fs.String("file", "-", "export document path (- for stdin)")
	overwrite := fs.Bool("overwrite", false, "update profiles on name collision")
	_ = fs.Parse(args)

	data, err := readAll(*file)
	if err != nil {
		return err
	}
	res, err := store.ImportProfiles(string(data), *overwrite)
	if err != nil {
		return err
	}
	printJSON(res)
	return nil
}

func cmdMigrateLegacy(store *profile.Store, args []string) error {
	fs := flag.NewFlagSet("migrate-legacy", flag.ExitOnError)
	file := fs.String("file", "-", "legacy settings JSON path (- for stdin)")
	_ = fs.Parse(args)

	data, err := readAll(*file)
	if err != nil {
		return err
	}
	var legacy map[string]any
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("parse legacy settings: %w", err)
	}
	res, err := store.MigrateFromLegacySettings(legacy)
	if err != nil {
		return err
	}
	printJSON(res)
	return nil
}

// ---- helpers ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func readSecretArg(v string) (string, error) {
	if v != "-" {
		return v, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// redacted strips the ciphertext PAT from display output.
func redacted(p *model.Profile) *model.Profile {
	c := p.Clone()
	c.PersonalAccessToken = ""
	return c
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
