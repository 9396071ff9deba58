package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Assassin-1234/clawtrial/pkg/config"
	"github.com/Assassin-1234/clawtrial/pkg/contracts"
	"github.com/Assassin-1234/clawtrial/pkg/crypto"
	"github.com/Assassin-1234/clawtrial/pkg/status"
	"github.com/Assassin-1234/clawtrial/pkg/submission"
)

// runStatusCmd prints the status record written by a running courtroom.
func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("status", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output the raw status record as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	env, err := config.LoadEnv()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	st, err := status.NewFileSink(env.StatusPath).Read(context.Background())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(st, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	state := "stopped"
	if st.Running {
		state = "running"
	}
	_, _ = fmt.Fprintf(stdout, "Courtroom: %s\n", state)
	_, _ = fmt.Fprintf(stdout, "Cases filed: %d\n", st.CasesFiled)
	if st.LastCase != nil {
		_, _ = fmt.Fprintf(stdout, "Last case: %s (%s, %s) at %s\n",
			st.LastCase.CaseID, st.LastCase.Offense, st.LastCase.Verdict, st.LastCase.Timestamp.Format(time.RFC3339))
	}
	if !st.LastCheck.IsZero() {
		_, _ = fmt.Fprintf(stdout, "Last heartbeat: %s\n", st.LastCheck.Format(time.RFC3339))
	}
	_, _ = fmt.Fprintf(stdout, "Queue: %d pending, %d delivered, %d dead\n",
		st.Queue.Pending, st.Queue.Delivered, st.Queue.Dead)
	return 0
}

// runConfigCmd implements `clawtrial config <show|get|set>`.
func runConfigCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: clawtrial config <show|get <path>|set <path> <value>> [--yaml]")
		return 2
	}

	cmd := flag.NewFlagSet("config "+args[0], flag.ContinueOnError)
	cmd.SetOutput(stderr)
	asYAML := cmd.Bool("yaml", false, "Output as YAML")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	rest := cmd.Args()

	env, err := config.LoadEnv()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	store, closeStore, err := openConfigStore(ctx, env)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore()
	store.Load(ctx)

	switch args[0] {
	case "show":
		return printValue(stdout, stderr, store.Public(), *asYAML)
	case "get":
		if len(rest) != 1 {
			_, _ = fmt.Fprintln(stderr, "Usage: clawtrial config get <path>")
			return 2
		}
		v, ok := store.Get(rest[0])
		if !ok {
			_, _ = fmt.Fprintf(stderr, "Error: no setting at %s\n", rest[0])
			return 1
		}
		return printValue(stdout, stderr, v, *asYAML)
	case "set":
		if len(rest) != 2 {
			_, _ = fmt.Fprintln(stderr, "Usage: clawtrial config set <path> <value>")
			return 2
		}
		if err := store.Set(ctx, rest[0], parseValue(rest[1])); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		store.Flush()
		_, _ = fmt.Fprintf(stdout, "%s updated\n", rest[0])
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown config subcommand: %s\n", args[0])
		return 2
	}
}

func openConfigStore(ctx context.Context, env *config.Env) (*config.Store, func(), error) {
	if env.RedisAddr == "" {
		return config.NewStore(config.NewFileBackend(env.ConfigPath)), func() {}, nil
	}
	rdb, err := openRedis(ctx, env.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	return config.NewStore(config.NewRedisBackend(rdb, config.DefaultRedisKey)), func() { _ = rdb.Close() }, nil
}

// parseValue reads a JSON literal, falling back to the raw string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func printValue(stdout, stderr io.Writer, v any, asYAML bool) int {
	var (
		data []byte
		err  error
	)
	if asYAML {
		data, err = yaml.Marshal(v)
	} else {
		data, err = json.MarshalIndent(v, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = stdout.Write(data)
	return 0
}

// runKeygenCmd provisions the installation signing key and prints its
// public half. An existing key is kept unless --force is given.
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		keyPath string
		force   bool
	)
	cmd.StringVar(&keyPath, "key", "", "Key file path (default $CLAWTRIAL_KEY_PATH)")
	cmd.BoolVar(&force, "force", false, "Replace an existing key")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if keyPath == "" {
		env, err := config.LoadEnv()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		keyPath = env.KeyPath
	}

	var (
		signer *crypto.Ed25519Signer
		err    error
	)
	_, statErr := os.Stat(keyPath)
	switch {
	case statErr == nil && !force:
		signer, err = crypto.LoadKey(keyPath, crypto.DefaultKeyID)
	case statErr == nil || errors.Is(statErr, fs.ErrNotExist):
		signer, err = crypto.GenerateKey(keyPath, crypto.DefaultKeyID)
	default:
		err = statErr
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "Key: %s\n", keyPath)
	_, _ = fmt.Fprintf(stdout, "Public key: %s\n", signer.PublicKey())
	return 0
}

// runVerifyCmd implements `clawtrial verify`.
//
// Accepts either a submission envelope or a bare signed case record.
//
// Exit codes:
//
//	0 = signature valid
//	1 = signature invalid
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file   string
		pubKey string
	)
	cmd.StringVar(&file, "file", "", "Path to the signed case JSON (REQUIRED)")
	cmd.StringVar(&pubKey, "pubkey", "", "Hex public key (default: the envelope's publicKey)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}

	rec, envKey, err := readSignedCase(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if pubKey == "" {
		pubKey = envKey
	}
	if pubKey == "" {
		_, _ = fmt.Fprintln(stderr, "Error: no public key; pass --pubkey")
		return 2
	}

	verifier, err := crypto.NewEd25519VerifierFromHex(pubKey)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	ok, err := verifier.VerifyCase(rec)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if !ok {
		_, _ = fmt.Fprintf(stdout, "❌ Case %s signature INVALID\n", rec.CaseID)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "✅ Case %s signature valid\n", rec.CaseID)
	_, _ = fmt.Fprintf(stdout, "Offense: %s, Verdict: %s\n", rec.Offense, rec.Verdict)
	if digest, err := crypto.PayloadDigest(rec); err == nil {
		_, _ = fmt.Fprintf(stdout, "Digest: sha256:%s\n", digest)
	}
	return 0
}

func readSignedCase(path string) (*contracts.CaseRecord, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}

	var env submission.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", path, err)
	}
	if env.Case != nil {
		if env.Case.Signature == "" {
			env.Case.Signature = env.Signature
		}
		return env.Case, env.PublicKey, nil
	}

	var rec contracts.CaseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", path, err)
	}
	if rec.CaseID == "" {
		return nil, "", fmt.Errorf("%s holds no case record", path)
	}
	return &rec, "", nil
}
