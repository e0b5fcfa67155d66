package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/m4xw311/arbor/session"
)

func writeConfig(t *testing.T) (path, dir string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "config.yaml")
	cfg := `model:
  provider: mock
logging:
  level: error
registry_path: ` + filepath.Join(dir, "servers.yaml") + `
sessions_dir: ` + filepath.Join(dir, "sessions") + `
credentials_path: ` + filepath.Join(dir, "credentials.enc") + `
`
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	return path, dir
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestServersCommands(t *testing.T) {
	cfg, dir := writeConfig(t)

	out, err := execute(t, "", "--config", cfg, "servers")
	if err != nil {
		t.Fatalf("servers: %v", err)
	}
	for _, name := range []string{"filesystem", "github", "brave-search", "memory"} {
		if !strings.Contains(out, name) {
			t.Errorf("servers output missing %s:\n%s", name, out)
		}
	}

	if _, err := execute(t, "", "--config", cfg, "servers", "enable", "memory"); err != nil {
		t.Fatalf("servers enable: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "servers.yaml")); err != nil {
		t.Fatalf("registry not saved: %v", err)
	}
	out, _ = execute(t, "", "--config", cfg, "servers")
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "memory ") && !strings.Contains(line, "true") {
			t.Errorf("memory not enabled after reload: %q", line)
		}
	}

	if _, err := execute(t, "", "--config", cfg, "servers", "enable", "nope"); err == nil {
		t.Error("enabling an unknown server succeeded")
	}
}

func TestCredentialsCommands(t *testing.T) {
	cfg, _ := writeConfig(t)

	t.Setenv(passphraseEnv, "")
	if _, err := execute(t, "", "--config", cfg, "credentials", "set", "brave.api_key", "k"); err == nil {
		t.Fatal("set without a passphrase succeeded")
	}

	t.Setenv(passphraseEnv, "hunter2")
	if _, err := execute(t, "k-from-stdin\n", "--config", cfg, "credentials", "set", "brave.api_key"); err != nil {
		t.Fatalf("set: %v", err)
	}
	out, err := execute(t, "", "--config", cfg, "credentials", "has", "brave.api_key")
	if err != nil || strings.TrimSpace(out) != "true" {
		t.Errorf("has = %q, %v", out, err)
	}
	if _, err := execute(t, "", "--config", cfg, "credentials", "github", "ghp_x", "--scopes", "repo"); err != nil {
		t.Errorf("github: %v", err)
	}
	if _, err := execute(t, "", "--config", cfg, "credentials", "ssh", "--host", "h", "--user", "u"); err == nil {
		t.Error("ssh key auth without a key path succeeded")
	}
	out, err = execute(t, "", "--config", cfg, "credentials", "show")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "github: token set, scopes repo") || !strings.Contains(out, "ssh: not set") || strings.Contains(out, "ghp_x") {
		t.Errorf("show output:\n%s", out)
	}
	if _, err := execute(t, "", "--config", cfg, "credentials", "delete", "brave.api_key"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if out, _ := execute(t, "", "--config", cfg, "credentials", "has", "brave.api_key"); strings.TrimSpace(out) != "false" {
		t.Errorf("has after delete = %q", out)
	}
}

func TestSessionsCommand(t *testing.T) {
	cfg, dir := writeConfig(t)
	store := session.NewStore(filepath.Join(dir, "sessions"))
	if err := store.Save(&session.Record{Session: session.ResumedSession{
		ID:             "sess-1",
		OriginalPrompt: "migrate the\nbuild to bazel",
		Status:         session.StatusPaused,
	}}); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "", "--config", cfg, "sessions")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if !strings.Contains(out, "sess-1") || !strings.Contains(out, "migrate the build to bazel") {
		t.Errorf("sessions output:\n%s", out)
	}
	if _, err := execute(t, "", "--config", cfg, "sessions", "delete", "sess-1"); err != nil {
		t.Fatal(err)
	}
	if out, _ := execute(t, "", "--config", cfg, "sessions"); strings.Contains(out, "sess-1") {
		t.Errorf("session still listed:\n%s", out)
	}
}

func TestServeAnswersOverStdio(t *testing.T) {
	cfg, _ := writeConfig(t)
	out, err := execute(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":1}}`+"\n", "--config", cfg, "serve")
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	if !strings.Contains(out, `"protocolVersion":1`) {
		t.Errorf("serve output = %q", out)
	}
}

func TestRunWithMockModel(t *testing.T) {
	cfg, _ := writeConfig(t)
	out, err := execute(t, "/quit\n", "--config", cfg, "run", "say", "hello")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "You said: 'say hello'") {
		t.Errorf("run output:\n%s", out)
	}
}

func TestTemplatesCommand(t *testing.T) {
	out, err := execute(t, "", "templates")
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	for _, want := range []string{"general-assistant", "code-refactor", "bug-fixer", "documentation", "required"} {
		if !strings.Contains(out, want) {
			t.Errorf("templates output missing %q:\n%s", want, out)
		}
	}
	cfg, _ := writeConfig(t)
	if _, err := execute(t, "", "--config", cfg, "run", "--template", "nope", "x"); err == nil {
		t.Error("unknown template accepted")
	}
}

func TestBadPermissionFlag(t *testing.T) {
	cfg, _ := writeConfig(t)
	if _, err := execute(t, "", "--config", cfg, "--permission", "root", "servers"); err == nil {
		t.Error("expected error for unknown permission")
	}
}

func TestOneLine(t *testing.T) {
	if got := oneLine("a\n b   c", 10); got != "a b c" {
		t.Errorf("oneLine = %q", got)
	}
	if got := oneLine(strings.Repeat("x", 20), 10); got != "xxxxxxx..." {
		t.Errorf("oneLine = %q", got)
	}
}
