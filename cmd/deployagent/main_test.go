package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	runVersion(versionCmd, nil)

	if !strings.HasPrefix(out.String(), "deployagent version dev\n") {
		t.Errorf("version output = %q", out.String())
	}
}

func TestCommandsRegistered(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"serve"}, "serve"},
		{[]string{"deploy"}, "deploy"},
		{[]string{"deployments"}, "deployments"},
		{[]string{"restore"}, "restore"},
		{[]string{"jobs", "list"}, "list"},
		{[]string{"jobs", "run"}, "run"},
		{[]string{"version"}, "version"},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			cmd, _, err := rootCmd.Find(tt.args)
			if err != nil {
				t.Fatalf("Find(%v) error = %v", tt.args, err)
			}
			if cmd.Name() != tt.want {
				t.Errorf("Find(%v) = %s, want %s", tt.args, cmd.Name(), tt.want)
			}
		})
	}
}

func TestServeFlagsBoundToConfig(t *testing.T) {
	for _, name := range []string{"host", "port", "log", "test-mode", "expose-output"} {
		if serveCmd.Flags().Lookup(name) == nil {
			t.Errorf("serve flag --%s missing", name)
		}
	}
	for _, name := range []string{"config", "projects", "log-level", "log-format", "db"} {
		if rootCmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("persistent flag --%s missing", name)
		}
	}
}
