package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"envault/internal/cache"
	"envault/internal/config"
	"envault/internal/crypto"
	"envault/internal/keyring"
	"envault/internal/keystore"
	"envault/internal/platform"
	"envault/internal/remote"
	syncp "envault/internal/sync"
	"envault/internal/vault"

	"golang.org/x/term"
)

func main() {
	// Key material lives in process memory; keep it out of core files.
	_ = platform.DisableCoreDumps()

	if len(os.Args) < 2 {
		usage()
		return
	}

	switch os.Args[1] {
	case "init":
		cmdInit(os.Args[2:])
	case "remote":
		cmdRemote(os.Args[2:])
	case "email":
		cmdEmail(os.Args[2:])
	case "key":
		cmdKey(os.Args[2:])
	case "register":
		cmdRegister(os.Args[2:])
	case "create":
		cmdCreate(os.Args[2:])
	case "get":
		cmdGet(os.Args[2:])
	case "list":
		cmdList(os.Args[2:])
	case "grant":
		cmdGrant(os.Args[2:])
	case "revoke":
		cmdRevoke(os.Args[2:])
	case "sync":
		cmdSync(os.Args[2:], "sync")
	case "push":
		cmdSync(os.Args[2:], "push")
	case "pull":
		cmdSync(os.Args[2:], "pull")
	case "audit":
		cmdAudit(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Print(`envaultctl commands:

  init     --email you@example.com [--remote URL] [--keyring]
  remote   set --url URL
  email    --set you@example.com
  key      (prints the key fingerprint and public material)
  key forget (removes the cached passphrase from the OS keyring)
  register (announces the public key to the remote)

  create project --name acme
  create env     --project acme --name prod
  create secret  --project acme --env prod --name DB_PASS [--value v]

  get      --project acme --env prod --name DB_PASS
  list     [--project acme [--env prod]]
  grant    --project acme --env prod --key <FINGERPRINT> --level read|write|admin
  revoke   --project acme --env prod --key <FINGERPRINT>

  sync | push | pull
  audit    (prints the remote's audit chain)

Examples:
  envaultctl init --email alice@acme.dev --remote http://localhost:8787
  envaultctl create secret --project acme --env prod --name DB_PASS
  envaultctl get --project acme --env prod --name DB_PASS
`)
}

// ============ Commands ============

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	email := fs.String("email", "", "account email")
	remoteURL := fs.String("remote", "", "remote server URL (optional)")
	cfgPath := fs.String("config", "", "config file path")
	useKeyring := fs.Bool("keyring", false, "store the passphrase in the OS keyring")
	_ = fs.Parse(args)

	if *email == "" {
		dieIf(errors.New("--email required"))
	}

	path := configPath(*cfgPath)
	cfg, err := config.Load(path)
	dieIf(err)
	if cfg.KeyID != "" {
		dieIf(fmt.Errorf("already initialized with key %s", cfg.KeyID))
	}

	pass, err := promptSecret("Key passphrase: ")
	dieIf(err)
	confirm, err := promptSecret("Confirm passphrase: ")
	dieIf(err)
	if string(pass) != string(confirm) {
		crypto.Zero(pass)
		crypto.Zero(confirm)
		dieIf(errors.New("passphrases do not match"))
	}
	crypto.Zero(confirm)
	defer crypto.Zero(pass)

	ks, err := keystore.Generate()
	dieIf(err)
	dieIf(ks.Save(cfg.KeyPath, pass))

	cfg.Email = strings.TrimSpace(strings.ToLower(*email))
	cfg.KeyID = ks.ID()
	if *remoteURL != "" {
		cfg.RemoteURL = *remoteURL
	}
	dieIf(config.Save(path, cfg))

	c, err := cache.Open(cfg.CachePath)
	dieIf(err)
	defer c.Close()
	vlt := vault.New()
	vlt.RegisterUser(cfg.Email, ks.Public())
	dieIf(c.SaveVault(vlt))

	if *useKeyring {
		dieIf(keyring.SavePassphrase(ks.ID(), string(pass)))
	}

	fmt.Println("Key fingerprint:", ks.ID())
	fmt.Println("Key file:", cfg.KeyPath)
}

func cmdRemote(args []string) {
	if len(args) < 1 || args[0] != "set" {
		dieIf(errors.New("usage: envaultctl remote set --url URL"))
	}
	fs := flag.NewFlagSet("remote set", flag.ExitOnError)
	urlFlag := fs.String("url", "", "remote server URL")
	cfgPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args[1:])

	if *urlFlag == "" {
		dieIf(errors.New("--url required"))
	}
	path := configPath(*cfgPath)
	cfg, err := config.Load(path)
	dieIf(err)
	cfg.RemoteURL = *urlFlag
	dieIf(config.Save(path, cfg))
	fmt.Println("Remote set to", *urlFlag)
}

func cmdEmail(args []string) {
	fs := flag.NewFlagSet("email", flag.ExitOnError)
	set := fs.String("set", "", "new email")
	cfgPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args)

	path := configPath(*cfgPath)
	cfg, err := config.Load(path)
	dieIf(err)

	if *set == "" {
		fmt.Println(cfg.Email)
		return
	}

	a := openApp(path)
	defer a.close()
	a.cfg.Email = strings.TrimSpace(strings.ToLower(*set))
	a.vlt.RegisterUser(a.cfg.Email, a.ks.Public())
	dieIf(a.save())
	dieIf(config.Save(path, a.cfg))
	fmt.Println("Email set to", a.cfg.Email)
}

func cmdKey(args []string) {
	if len(args) > 0 && args[0] == "forget" {
		fs := flag.NewFlagSet("key forget", flag.ExitOnError)
		cfgPath := fs.String("config", "", "config file path")
		_ = fs.Parse(args[1:])

		cfg, err := config.Load(configPath(*cfgPath))
		dieIf(err)
		if cfg.KeyID == "" {
			dieIf(errors.New("not initialized"))
		}
		dieIf(keyring.DeletePassphrase(cfg.KeyID))
		fmt.Println("Passphrase removed from the OS keyring.")
		return
	}

	fs := flag.NewFlagSet("key", flag.ExitOnError)
	cfgPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args)

	a := openApp(configPath(*cfgPath))
	defer a.close()

	out := map[string]any{
		"fingerprint":       a.ks.ID(),
		"key":               a.ks.Public(),
		"passphrase_cached": keyring.HasPassphrase(a.ks.ID()),
	}
	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
}

func cmdRegister(args []string) {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	cfgPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args)

	a := openApp(configPath(*cfgPath))
	defer a.close()

	ctx, cancel := opCtx()
	defer cancel()

	cl := remote.New(a.cfg.RemoteURL)
	version, err := cl.Register(ctx, a.cfg.Email, a.ks)
	dieIf(err)

	// The remote now holds our user record at this version; align the local
	// copy so the next push does not collide with it.
	a.vlt.RegisterUser(a.cfg.Email, a.ks.Public())
	a.vlt.MarkPushed(vault.KindUser+"/"+a.ks.ID(), version)
	dieIf(a.save())
	fmt.Println("Registered", a.ks.ID(), "as", a.cfg.Email)
}

func cmdCreate(args []string) {
	if len(args) < 1 {
		dieIf(errors.New("usage: envaultctl create project|env|secret ..."))
	}
	switch args[0] {
	case "project":
		fs := flag.NewFlagSet("create project", flag.ExitOnError)
		name := fs.String("name", "", "project name")
		cfgPath := fs.String("config", "", "config file path")
		_ = fs.Parse(args[1:])
		if *name == "" {
			dieIf(errors.New("--name required"))
		}

		a := openApp(configPath(*cfgPath))
		defer a.close()
		p, err := a.vlt.CreateProject(*name, a.sess)
		dieIf(err)
		dieIf(a.save())
		a.pushEdits()
		fmt.Println("Created project", p.Name, "id:", p.ID)

	case "env":
		fs := flag.NewFlagSet("create env", flag.ExitOnError)
		project := fs.String("project", "", "project name")
		name := fs.String("name", "", "environment name")
		cfgPath := fs.String("config", "", "config file path")
		_ = fs.Parse(args[1:])
		if *project == "" || *name == "" {
			dieIf(errors.New("--project and --name required"))
		}

		a := openApp(configPath(*cfgPath))
		defer a.close()
		e, err := a.vlt.CreateEnvironment(*project, *name, a.sess)
		dieIf(err)
		dieIf(a.save())
		a.pushEdits()
		fmt.Println("Created environment", e.Name, "id:", e.ID)

	case "secret":
		fs := flag.NewFlagSet("create secret", flag.ExitOnError)
		project := fs.String("project", "", "project name")
		env := fs.String("env", "", "environment name")
		name := fs.String("name", "", "variable name")
		value := fs.String("value", "", "value (prompted when omitted)")
		cfgPath := fs.String("config", "", "config file path")
		_ = fs.Parse(args[1:])
		if *project == "" || *env == "" || *name == "" {
			dieIf(errors.New("--project, --env and --name required"))
		}

		a := openApp(configPath(*cfgPath))
		defer a.close()

		plaintext := []byte(*value)
		if len(plaintext) == 0 {
			var err error
			plaintext, err = promptSecret("Value: ")
			dieIf(err)
		}
		defer crypto.Zero(plaintext)

		err := a.vlt.CreateSecret(*project, *env, *name, plaintext, a.sess)
		if errors.Is(err, vault.ErrDuplicateName) {
			// Same name again is an update, guarded by the current version.
			version, verr := a.vlt.SecretVersion(*project, *env, *name)
			dieIf(verr)
			err = a.vlt.UpdateSecret(*project, *env, *name, plaintext, version, a.sess)
		}
		dieIf(err)
		dieIf(a.save())
		a.pushEdits()
		fmt.Println("Stored", *name, "in", *project+"/"+*env)

	default:
		dieIf(fmt.Errorf("unknown create target %q", args[0]))
	}
}

func cmdGet(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	project := fs.String("project", "", "project name")
	env := fs.String("env", "", "environment name")
	name := fs.String("name", "", "variable name")
	cfgPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args)
	if *project == "" || *env == "" || *name == "" {
		dieIf(errors.New("--project, --env and --name required"))
	}

	a := openApp(configPath(*cfgPath))
	defer a.close()
	a.pullLatest()

	val, err := a.vlt.GetSecret(*project, *env, *name, a.sess)
	dieIf(err)
	defer crypto.Zero(val)
	fmt.Printf("%s\n", val)
}

func cmdList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	project := fs.String("project", "", "project name (optional)")
	env := fs.String("env", "", "environment name (optional)")
	cfgPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args)

	a := openApp(configPath(*cfgPath))
	defer a.close()

	switch {
	case *project == "":
		for _, name := range a.vlt.ListProjects(a.sess) {
			fmt.Println(name)
		}
	case *env == "":
		envs, err := a.vlt.ListEnvironments(*project, a.sess)
		dieIf(err)
		for _, name := range envs {
			fmt.Println(name)
		}
	default:
		names, err := a.vlt.ListSecrets(*project, *env, a.sess)
		dieIf(err)
		for _, name := range names {
			fmt.Println(name)
		}
	}
}

func cmdGrant(args []string) {
	fs := flag.NewFlagSet("grant", flag.ExitOnError)
	project := fs.String("project", "", "project name")
	env := fs.String("env", "", "environment name")
	key := fs.String("key", "", "target key fingerprint")
	level := fs.String("level", "read", "read|write|admin")
	cfgPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args)
	if *project == "" || *env == "" || *key == "" {
		dieIf(errors.New("--project, --env and --key required"))
	}

	perm, ok := vault.ParsePermission(*level)
	if !ok || perm == vault.PermNone {
		dieIf(fmt.Errorf("invalid level %q", *level))
	}

	a := openApp(configPath(*cfgPath))
	defer a.close()

	target, ok := a.vlt.UserByID(*key)
	if !ok {
		dieIf(fmt.Errorf("unknown key %s; pull first so their public key is available", *key))
	}
	dieIf(a.vlt.GrantAccess(*project, *env, target, perm, a.sess))
	dieIf(a.save())
	a.pushEdits()
	fmt.Println("Granted", perm.String(), "on", *project+"/"+*env, "to", *key)
}

func cmdRevoke(args []string) {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	project := fs.String("project", "", "project name")
	env := fs.String("env", "", "environment name")
	key := fs.String("key", "", "target key fingerprint")
	cfgPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args)
	if *project == "" || *env == "" || *key == "" {
		dieIf(errors.New("--project, --env and --key required"))
	}

	a := openApp(configPath(*cfgPath))
	defer a.close()

	dieIf(a.vlt.RevokeAccess(*project, *env, *key, a.sess))
	dieIf(a.save())
	a.pushEdits()
	fmt.Println("Revoked access on", *project+"/"+*env, "for", *key)
}

func cmdSync(args []string, mode string) {
	fs := flag.NewFlagSet(mode, flag.ExitOnError)
	cfgPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args)

	a := openApp(configPath(*cfgPath))
	defer a.close()

	ctx, cancel := opCtx()
	defer cancel()

	cl := remote.New(a.cfg.RemoteURL)
	dieIf(cl.Login(ctx, a.ks))

	sess := syncp.NewSession(a.vlt, cl, a.ks.ID())
	var err error
	switch mode {
	case "push":
		err = sess.Push(ctx)
	case "pull":
		var conflicts []syncp.Conflict
		conflicts, err = sess.Pull(ctx)
		reportConflicts(conflicts)
	default:
		err = sess.Sync(ctx)
		var ce *syncp.ConflictError
		if errors.As(err, &ce) {
			reportConflicts(ce.Conflicts)
		}
	}

	// Whatever the outcome, what was merged stays merged.
	saveErr := a.save()
	dieIf(err)
	dieIf(saveErr)
	dieIf(a.c.SetLastSync(time.Now()))
	fmt.Println(strings.ToUpper(mode[:1]) + mode[1:] + " complete.")
}

func reportConflicts(conflicts []syncp.Conflict) {
	for _, c := range conflicts {
		fmt.Fprintf(os.Stderr, "conflict: %s (local v%d, remote v%d)\n", c.ID, c.LocalVersion, c.RemoteVersion)
	}
}

func cmdAudit(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	cfgPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args)

	a := openApp(configPath(*cfgPath))
	defer a.close()

	ctx, cancel := opCtx()
	defer cancel()

	cl := remote.New(a.cfg.RemoteURL)
	dieIf(cl.Login(ctx, a.ks))
	entries, err := cl.Audit(ctx)
	dieIf(err)
	b, _ := json.MarshalIndent(entries, "", "  ")
	fmt.Println(string(b))
}

// ============ App wiring ============

type app struct {
	cfgPath string
	cfg     config.Config
	ks      *keystore.KeyStore
	c       *cache.Cache
	vlt     *vault.Vault
	sess    *vault.Session
}

func openApp(cfgPath string) *app {
	cfg, err := config.Load(cfgPath)
	dieIf(err)
	if cfg.KeyID == "" {
		dieIf(errors.New("not initialized; run: envaultctl init --email you@example.com"))
	}

	pass, err := passphraseFor(cfg.KeyID)
	dieIf(err)
	defer crypto.Zero(pass)

	ks, err := keystore.Load(cfg.KeyPath, pass)
	dieIf(err)

	c, err := cache.Open(cfg.CachePath)
	dieIf(err)
	vlt, err := c.LoadVault()
	dieIf(err)
	vlt.RegisterUser(cfg.Email, ks.Public())

	return &app{
		cfgPath: cfgPath,
		cfg:     cfg,
		ks:      ks,
		c:       c,
		vlt:     vlt,
		sess:    vault.NewSession(cfg.Email, ks),
	}
}

func (a *app) save() error { return a.c.SaveVault(a.vlt) }

func (a *app) close() {
	if a.c != nil {
		_ = a.c.Close()
	}
	if a.ks != nil {
		a.ks.Close()
	}
}

// pushEdits sends freshly staged edits when a remote is configured. Failures
// leave the records dirty for the next explicit sync.
func (a *app) pushEdits() {
	if a.cfg.RemoteURL == "" {
		return
	}
	ctx, cancel := opCtx()
	defer cancel()

	cl := remote.New(a.cfg.RemoteURL)
	if err := cl.Login(ctx, a.ks); err != nil {
		fmt.Fprintln(os.Stderr, "warning: push skipped:", err)
		return
	}
	if err := syncp.NewSession(a.vlt, cl, a.ks.ID()).Push(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "warning: push failed, edits kept local; run envaultctl sync:", err)
		return
	}
	if err := a.save(); err == nil {
		_ = a.c.SetLastSync(time.Now())
	}
}

// pullLatest refreshes the local vault before a read when a remote is
// configured; on failure the cached state serves the read.
func (a *app) pullLatest() {
	if a.cfg.RemoteURL == "" {
		return
	}
	ctx, cancel := opCtx()
	defer cancel()

	cl := remote.New(a.cfg.RemoteURL)
	if err := cl.Login(ctx, a.ks); err != nil {
		fmt.Fprintln(os.Stderr, "warning: reading cached state:", err)
		return
	}
	conflicts, err := syncp.NewSession(a.vlt, cl, a.ks.ID()).Pull(ctx)
	reportConflicts(conflicts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "warning: reading cached state:", err)
		return
	}
	if err := a.save(); err == nil {
		_ = a.c.SetLastSync(time.Now())
	}
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

func configPath(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	path, err := config.DefaultPath()
	dieIf(err)
	return path
}

// ============ Utilities ============

func passphraseFor(keyID string) ([]byte, error) {
	if pw, err := keyring.GetPassphrase(keyID); err == nil {
		return []byte(pw), nil
	}
	return promptSecret("Key passphrase: ")
}

func promptSecret(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return b, err
	}
	br := bufio.NewReader(os.Stdin)
	line, err := br.ReadString('\n')
	if err != nil && line == "" {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

func dieIf(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
